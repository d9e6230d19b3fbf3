package tmdb_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"spool/internal/logging"
	"spool/internal/services"
	"spool/internal/tmdb"
)

const searchBody = `{"results":[{"id":456,"name":"The Show","first_air_date":"2015-10-10","vote_count":900}]}`

func TestShortKeyUsesQueryParameter(t *testing.T) {
	var sawQuery, sawHeader atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawQuery.Store(r.URL.Query().Get("api_key") == "abc123")
		sawHeader.Store(r.Header.Get("Authorization") != "")
		fmt.Fprint(w, searchBody)
	}))
	defer server.Close()

	client := tmdb.New(server.URL, "abc123", "", logging.NewNop())
	if _, err := client.SearchTV(context.Background(), "the show"); err != nil {
		t.Fatalf("SearchTV: %v", err)
	}
	if !sawQuery.Load() {
		t.Error("short key should travel as api_key query parameter")
	}
	if sawHeader.Load() {
		t.Error("short key should not set an Authorization header")
	}
}

func TestReadAccessTokenUsesBearerHeader(t *testing.T) {
	token := "eyJhbGciOi.payload.sig"
	var sawQuery atomic.Bool
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawQuery.Store(r.URL.Query().Has("api_key"))
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, searchBody)
	}))
	defer server.Close()

	client := tmdb.New(server.URL, token, "", logging.NewNop())
	if _, err := client.SearchTV(context.Background(), "the show"); err != nil {
		t.Fatalf("SearchTV: %v", err)
	}
	if auth, _ := gotAuth.Load().(string); auth != "Bearer "+token {
		t.Errorf("Authorization = %q", auth)
	}
	if sawQuery.Load() {
		t.Error("token auth should not also send api_key")
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, searchBody)
	}))
	defer server.Close()

	client := tmdb.New(server.URL, "abc123", "", logging.NewNop())
	results, err := client.SearchTV(context.Background(), "the show")
	if err != nil {
		t.Fatalf("SearchTV: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("request count = %d, want 2", hits.Load())
	}
	if len(results) != 1 || results[0].ID != 456 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestNotFoundIsTerminal(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := tmdb.New(server.URL, "abc123", "", logging.NewNop())
	_, err := client.GetShowDetails(context.Background(), 999)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 must not be retried, got %d requests", hits.Load())
	}
}

func TestMissingKeyIsConfigurationError(t *testing.T) {
	client := tmdb.New("http://127.0.0.1:1", "", "", logging.NewNop())
	_, err := client.SearchTV(context.Background(), "anything")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestEpisodeRuntimesInSeconds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"season_number":1,"episodes":[
			{"episode_number":1,"runtime":24},
			{"episode_number":2,"runtime":0},
			{"episode_number":3,"runtime":25}]}`)
	}))
	defer server.Close()

	client := tmdb.New(server.URL, "abc123", "", logging.NewNop())
	runtimes, err := client.EpisodeRuntimes(context.Background(), 456, 1)
	if err != nil {
		t.Fatalf("EpisodeRuntimes: %v", err)
	}
	want := []float64{1440, 1500}
	if len(runtimes) != len(want) {
		t.Fatalf("runtimes = %v, want %v", runtimes, want)
	}
	for i := range want {
		if runtimes[i] != want[i] {
			t.Errorf("runtimes[%d] = %v, want %v", i, runtimes[i], want[i])
		}
	}
}

func TestSeasonSourceCachesShowID(t *testing.T) {
	var searches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/tv":
			searches.Add(1)
			fmt.Fprint(w, searchBody)
		case "/tv/456/season/1":
			fmt.Fprint(w, `{"season_number":1,"episodes":[{"episode_number":1,"runtime":24},{"episode_number":2,"runtime":24}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	seasons := tmdb.NewSeasonSource(tmdb.New(server.URL, "abc123", "", logging.NewNop()))

	runtimes, err := seasons.SeasonRuntimes(context.Background(), "The Show", 1)
	if err != nil {
		t.Fatalf("SeasonRuntimes: %v", err)
	}
	if len(runtimes) != 2 {
		t.Errorf("runtimes = %v", runtimes)
	}

	count, err := seasons.EpisodeCount(context.Background(), "The Show", 1)
	if err != nil {
		t.Fatalf("EpisodeCount: %v", err)
	}
	if count != 2 {
		t.Errorf("episode count = %d", count)
	}
	if searches.Load() != 1 {
		t.Errorf("search count = %d, want cached single search", searches.Load())
	}
}

func TestSeasonSourceNoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer server.Close()

	seasons := tmdb.NewSeasonSource(tmdb.New(server.URL, "abc123", "", logging.NewNop()))
	_, err := seasons.SeasonRuntimes(context.Background(), "Nope", 1)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
