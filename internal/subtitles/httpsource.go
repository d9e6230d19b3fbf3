package subtitles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"spool/internal/logging"
	"spool/internal/services"
)

// HTTPFetcher pulls .srt bodies from a templated scraper URL. The template
// may contain {show}, {season}, and {episode} placeholders, e.g.
// "https://subs.example/{show}/s{season}e{episode}.srt".
type HTTPFetcher struct {
	template string
	// EpisodeCount resolves how many episodes the season has; the daemon
	// wires this to the metadata client.
	episodeCount func(ctx context.Context, show string, season int) (int, error)
	http         *http.Client
	logger       *slog.Logger
}

func NewHTTPFetcher(template string, episodeCount func(ctx context.Context, show string, season int) (int, error), logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		template:     strings.TrimSpace(template),
		episodeCount: episodeCount,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       logging.Component(logger, "subtitles"),
	}
}

// FetchSeason downloads one body per episode. Missing episodes are simply
// absent from the result; the coordinator decides completed vs partial.
func (f *HTTPFetcher) FetchSeason(ctx context.Context, show string, season int) (map[string][]byte, error) {
	if f.template == "" {
		return nil, services.Wrap(services.ErrConfiguration, "subtitles", "fetch", "no subtitle source configured", nil)
	}
	count, err := f.episodeCount(ctx, show, season)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "subtitles", "fetch", "resolve episode count", err)
	}
	if count <= 0 {
		return nil, services.Wrap(services.ErrNotFound, "subtitles", "fetch",
			fmt.Sprintf("season %d of %q has no episodes", season, show), nil)
	}

	bodies := make(map[string][]byte, count)
	for episode := 1; episode <= count; episode++ {
		code := fmt.Sprintf("S%02dE%02d", season, episode)
		body, err := f.fetchOne(ctx, show, season, episode)
		if err != nil {
			f.logger.Debug("subtitle fetch miss",
				logging.String("episode", code),
				logging.Error(err))
			continue
		}
		bodies[code] = body
	}
	return bodies, nil
}

func (f *HTTPFetcher) fetchOne(ctx context.Context, show string, season, episode int) ([]byte, error) {
	endpoint := strings.NewReplacer(
		"{show}", url.PathEscape(strings.ToLower(strings.ReplaceAll(show, " ", "-"))),
		"{season}", fmt.Sprintf("%02d", season),
		"{episode}", fmt.Sprintf("%02d", episode),
	).Replace(f.template)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 2<<20))
}
