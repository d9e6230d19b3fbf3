package tmdb

import (
	"context"
	"fmt"
	"sync"

	"spool/internal/services"
)

// SeasonSource answers season-shaped questions by show name, resolving and
// caching the TMDB show id behind the scenes. One disc produces many
// lookups for the same show; the cache keeps that to a single search.
type SeasonSource struct {
	client *Client

	mu      sync.Mutex
	showIDs map[string]int64
}

func NewSeasonSource(client *Client) *SeasonSource {
	return &SeasonSource{
		client:  client,
		showIDs: make(map[string]int64),
	}
}

func (s *SeasonSource) showID(ctx context.Context, show string) (int64, error) {
	s.mu.Lock()
	if id, ok := s.showIDs[show]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	results, err := s.client.SearchTV(ctx, show)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, services.Wrap(services.ErrNotFound, "tmdb", "search",
			fmt.Sprintf("no TV results for %q", show), nil)
	}
	id := results[0].ID

	s.mu.Lock()
	s.showIDs[show] = id
	s.mu.Unlock()
	return id, nil
}

// SeasonRuntimes returns expected episode runtimes in seconds.
func (s *SeasonSource) SeasonRuntimes(ctx context.Context, show string, season int) ([]float64, error) {
	id, err := s.showID(ctx, show)
	if err != nil {
		return nil, err
	}
	return s.client.EpisodeRuntimes(ctx, id, season)
}

// EpisodeCount returns how many episodes the season has.
func (s *SeasonSource) EpisodeCount(ctx context.Context, show string, season int) (int, error) {
	id, err := s.showID(ctx, show)
	if err != nil {
		return 0, err
	}
	details, err := s.client.GetSeason(ctx, id, season)
	if err != nil {
		return 0, err
	}
	return len(details.Episodes), nil
}
