// Package api exposes the daemon's HTTP surface: job queries and actions,
// configuration, and a WebSocket push channel.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"spool/internal/bus"
	"spool/internal/config"
	"spool/internal/logging"
	"spool/internal/store"
)

// Controller is the job-action surface the handlers call into.
type Controller interface {
	StartJob(ctx context.Context, jobID int64) error
	CancelJob(ctx context.Context, jobID int64, reason string) error
	DeleteJob(ctx context.Context, jobID int64) error
	ApplyReview(ctx context.Context, jobID, titleID int64, episodeCode, edition string) error
	ProcessMatched(ctx context.Context, jobID int64) error
}

// Server serves the JSON API and the push channel.
type Server struct {
	cfg        *config.Config
	cfgMu      sync.Mutex
	store      *store.Store
	bus        *bus.Bus
	controller Controller
	logger     *slog.Logger

	httpServer *http.Server
}

func NewServer(cfg *config.Config, st *store.Store, b *bus.Bus, controller Controller, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		bus:        b,
		controller: controller,
		logger:     logging.Component(logger, "api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.APIBind,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/titles", s.handleListTitles)
	mux.HandleFunc("POST /jobs/{id}/start", s.handleStartJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /jobs/{id}/review", s.handleReview)
	mux.HandleFunc("POST /jobs/{id}/process-matched", s.handleProcessMatched)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.handlePutConfig)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s.withRequestID(mux)
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withRequestID tags every request with an id carried in the context and
// echoed in the X-Request-ID header.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		ctx := logging.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))

		s.logger.Debug("request handled",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.String(logging.FieldRequestID, requestID),
			logging.Duration("elapsed", time.Since(start)))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", logging.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
