// Package subtitles acquires reference subtitles and gates matchers on the
// outcome.
//
// Each job gets at most one acquisition for its lifetime. The subtitle
// status walks downloading → {completed, partial, failed} exactly once;
// matchers block on the readiness gate, which opens when the terminal
// status is reached regardless of success.
package subtitles

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spool/internal/bus"
	"spool/internal/logging"
	"spool/internal/store"
)

// Fetcher obtains reference subtitles for a season, keyed by episode code
// (e.g. "S01E03"). Implementations wrap the external scraper sources.
type Fetcher interface {
	FetchSeason(ctx context.Context, show string, season int) (map[string][]byte, error)
}

// StatusEvent is the bus payload for subtitle progress.
type StatusEvent struct {
	JobID  int64                `json:"job_id"`
	Status store.SubtitleStatus `json:"status"`
}

type jobGate struct {
	ready  chan struct{}
	cancel context.CancelFunc
	status store.SubtitleStatus
	mu     sync.Mutex
	closed bool
}

func (g *jobGate) finish(status store.SubtitleStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.status = status
	g.closed = true
	close(g.ready)
	return true
}

func (g *jobGate) current() store.SubtitleStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Coordinator owns the per-job subtitle gates and persisted status.
type Coordinator struct {
	store   *store.Store
	bus     *bus.Bus
	fetcher Fetcher
	logger  *slog.Logger

	mu    sync.Mutex
	gates map[int64]*jobGate
}

func NewCoordinator(st *store.Store, b *bus.Bus, fetcher Fetcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		bus:     b,
		fetcher: fetcher,
		logger:  logging.Component(logger, "subtitles"),
	}
}

// Start launches the acquisition for a job. Only the first call per job has
// any effect. destDir receives the validated .srt files. With no fetcher
// configured there is nothing to acquire and Wait reports SubtitleNone.
//
// The acquisition runs detached from ctx: the pipeline context ends with
// the rip phase while fetches may still be in flight. Cancel aborts it.
func (c *Coordinator) Start(ctx context.Context, jobID int64, show string, season int, destDir string) {
	if c.fetcher == nil {
		return
	}
	c.mu.Lock()
	if c.gates == nil {
		c.gates = make(map[int64]*jobGate)
	}
	if _, exists := c.gates[jobID]; exists {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	gate := &jobGate{ready: make(chan struct{}), cancel: cancel, status: store.SubtitleDownloading}
	c.gates[jobID] = gate
	c.mu.Unlock()

	c.setStatus(runCtx, jobID, store.SubtitleDownloading)

	go func() {
		defer cancel()
		c.acquire(runCtx, jobID, gate, show, season, destDir)
	}()
}

// Wait blocks until the job's subtitle status is terminal or the timeout
// elapses. Returns the status observed at return time; a job with no
// acquisition reports SubtitleNone immediately.
func (c *Coordinator) Wait(ctx context.Context, jobID int64, timeout time.Duration) store.SubtitleStatus {
	c.mu.Lock()
	gate, ok := c.gates[jobID]
	c.mu.Unlock()
	if !ok {
		return store.SubtitleNone
	}

	select {
	case <-gate.ready:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	return gate.current()
}

// Cancel aborts a job's in-flight acquisition. The fetch error path still
// closes the gate with a terminal status.
func (c *Coordinator) Cancel(jobID int64) {
	c.mu.Lock()
	gate := c.gates[jobID]
	c.mu.Unlock()
	if gate != nil {
		gate.cancel()
	}
}

// Release discards the job's gate after finalization.
func (c *Coordinator) Release(jobID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gate := c.gates[jobID]; gate != nil {
		gate.cancel()
	}
	delete(c.gates, jobID)
}

func (c *Coordinator) acquire(ctx context.Context, jobID int64, gate *jobGate, show string, season int, destDir string) {
	logger := c.logger.With(logging.Int64(logging.FieldJobID, jobID))

	bodies, err := c.fetcher.FetchSeason(ctx, show, season)
	if err != nil {
		logger.Warn("subtitle acquisition failed", logging.Error(err))
		c.terminate(ctx, jobID, gate, store.SubtitleFailed)
		return
	}

	valid := 0
	for episode, body := range bodies {
		if err := ValidateSRT(body); err != nil {
			logger.Warn("rejected subtitle",
				logging.String("episode", episode),
				logging.Error(err))
			continue
		}
		if err := c.writeSubtitle(destDir, episode, body); err != nil {
			logger.Warn("write subtitle failed",
				logging.String("episode", episode),
				logging.Error(err))
			continue
		}
		valid++
	}

	var status store.SubtitleStatus
	switch {
	case len(bodies) == 0 || valid == 0:
		status = store.SubtitleFailed
	case valid < len(bodies):
		status = store.SubtitlePartial
	default:
		status = store.SubtitleCompleted
	}
	logger.Info("subtitle acquisition finished",
		logging.String("status", string(status)),
		logging.Int("valid", valid),
		logging.Int("fetched", len(bodies)))
	c.terminate(ctx, jobID, gate, status)
}

func (c *Coordinator) writeSubtitle(destDir, episode string, body []byte) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, fmt.Sprintf("%s.srt", episode)), body, 0o644)
}

// terminate records the terminal status. The gate enforces at-most-once.
// Status is persisted even when the acquisition context was cancelled.
func (c *Coordinator) terminate(ctx context.Context, jobID int64, gate *jobGate, status store.SubtitleStatus) {
	if !gate.finish(status) {
		return
	}
	c.setStatus(context.WithoutCancel(ctx), jobID, status)
}

func (c *Coordinator) setStatus(ctx context.Context, jobID int64, status store.SubtitleStatus) {
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil || job == nil {
			return err
		}
		if job.SubtitleStatus.Terminal() {
			return nil
		}
		job.SubtitleStatus = status
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		c.logger.Warn("persist subtitle status",
			logging.Int64(logging.FieldJobID, jobID),
			logging.Error(err))
		return
	}
	c.bus.Publish(bus.EventSubtitle, StatusEvent{JobID: jobID, Status: status})
}
