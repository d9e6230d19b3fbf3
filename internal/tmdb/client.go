// Package tmdb looks up show and movie metadata from TMDB.
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"spool/internal/logging"
	"spool/internal/services"
)

const (
	// TMDB permits bursts well above this; 30 req/s keeps us clear of 429s.
	requestsPerSecond = 30

	maxAttempts  = 3
	backoffBase  = time.Second
	backoffCap   = 30 * time.Second
	requestLimit = 15 * time.Second
)

// Result is one search hit.
type Result struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Title        string  `json:"title"`
	FirstAirDate string  `json:"first_air_date"`
	ReleaseDate  string  `json:"release_date"`
	VoteCount    int     `json:"vote_count"`
	Popularity   float64 `json:"popularity"`
}

// DisplayName returns the TV name or movie title, whichever is set.
func (r Result) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Title
}

// ShowDetails is the canonical record for a TV series.
type ShowDetails struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	NumberOfSeasons int    `json:"number_of_seasons"`
	FirstAirDate    string `json:"first_air_date"`
}

// MovieDetails is the canonical record for a movie.
type MovieDetails struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
	Runtime     int    `json:"runtime"`
}

// Episode is one entry of a season listing.
type Episode struct {
	EpisodeNumber int    `json:"episode_number"`
	Name          string `json:"name"`
	Runtime       int    `json:"runtime"`
}

// SeasonDetails lists the episodes of one season.
type SeasonDetails struct {
	SeasonNumber int       `json:"season_number"`
	Episodes     []Episode `json:"episodes"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Client is a rate-limited TMDB HTTP client.
type Client struct {
	baseURL  string
	apiKey   string
	language string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func New(baseURL, apiKey, language string, logger *slog.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.themoviedb.org/3"
	}
	if language == "" {
		language = "en-US"
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   strings.TrimSpace(apiKey),
		language: language,
		http:     &http.Client{Timeout: requestLimit},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		logger:   logging.Component(logger, "tmdb"),
	}
}

// bearerAuth reports whether the key is a v4 read-access token (a JWT)
// rather than a short v3 key. JWTs go in the Authorization header, short
// keys in the api_key query parameter.
func (c *Client) bearerAuth() bool {
	return strings.HasPrefix(c.apiKey, "eyJ") || strings.Count(c.apiKey, ".") == 2
}

// SearchTV searches series by name.
func (c *Client) SearchTV(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{"query": []string{query}}
	var response searchResponse
	if err := c.get(ctx, "/search/tv", params, &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

// SearchMovie searches movies by name, optionally constrained by year.
func (c *Client) SearchMovie(ctx context.Context, query string, year int) ([]Result, error) {
	params := url.Values{"query": []string{query}}
	if year > 0 {
		params.Set("year", fmt.Sprintf("%d", year))
	}
	var response searchResponse
	if err := c.get(ctx, "/search/movie", params, &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

// GetShowDetails fetches the canonical series record.
func (c *Client) GetShowDetails(ctx context.Context, showID int64) (*ShowDetails, error) {
	var details ShowDetails
	if err := c.get(ctx, fmt.Sprintf("/tv/%d", showID), nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// GetMovieDetails fetches the canonical movie record.
func (c *Client) GetMovieDetails(ctx context.Context, movieID int64) (*MovieDetails, error) {
	var details MovieDetails
	if err := c.get(ctx, fmt.Sprintf("/movie/%d", movieID), nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// GetSeason fetches episode numbers and runtimes for one season.
func (c *Client) GetSeason(ctx context.Context, showID int64, season int) (*SeasonDetails, error) {
	var details SeasonDetails
	if err := c.get(ctx, fmt.Sprintf("/tv/%d/season/%d", showID, season), nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// EpisodeRuntimes returns the expected runtimes in seconds for a season.
// Episodes without a runtime are skipped.
func (c *Client) EpisodeRuntimes(ctx context.Context, showID int64, season int) ([]float64, error) {
	details, err := c.GetSeason(ctx, showID, season)
	if err != nil {
		return nil, err
	}
	runtimes := make([]float64, 0, len(details.Episodes))
	for _, episode := range details.Episodes {
		if episode.Runtime > 0 {
			runtimes = append(runtimes, float64(episode.Runtime)*60)
		}
	}
	return runtimes, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if c.apiKey == "" {
		return services.Wrap(services.ErrConfiguration, "tmdb", "request", "api key not configured", nil)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("language", c.language)
	if !c.bearerAuth() {
		params.Set("api_key", c.apiKey)
	}
	endpoint := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retryable, err := c.doOnce(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		c.logger.Warn("retrying tmdb request",
			logging.String("path", path),
			logging.Int("attempt", attempt+1),
			logging.Error(err))
	}
	return services.Wrap(services.ErrExternalTool, "tmdb", "request", "retries exhausted", lastErr)
}

func (c *Client) doOnce(ctx context.Context, endpoint string, out any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerAuth() {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, services.Wrap(services.ErrTransient, "tmdb", "request", "http request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return false, services.Wrap(services.ErrNotFound, "tmdb", "request", "resource not found", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, services.Wrap(services.ErrTransient, "tmdb", "request",
			fmt.Sprintf("status %d", resp.StatusCode), nil)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, services.Wrap(services.ErrExternalTool, "tmdb", "request",
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, services.Wrap(services.ErrExternalTool, "tmdb", "request", "decode response", err)
	}
	return false, nil
}
