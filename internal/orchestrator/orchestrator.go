// Package orchestrator coordinates the per-job pipeline: identification,
// ripping, matching, conflict resolution, and organization.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"spool/internal/bus"
	"spool/internal/config"
	"spool/internal/disc"
	"spool/internal/logging"
	"spool/internal/matching"
	"spool/internal/notifications"
	"spool/internal/organizer"
	"spool/internal/ripping"
	"spool/internal/sentinel"
	"spool/internal/services"
	"spool/internal/services/makemkv"
	"spool/internal/state"
	"spool/internal/store"
	"spool/internal/subtitles"
)

// CancelledByUser is the error message recorded for explicit cancellation.
const CancelledByUser = "Cancelled by user"

// jobRun tracks one active job's pipeline goroutine.
type jobRun struct {
	cancel context.CancelFunc
	driver *ripping.Driver
}

// Orchestrator owns the active-jobs registry and composes the pipeline.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.Store
	machine   *state.Machine
	bus       *bus.Bus
	makemkv   *makemkv.Client
	pool      *matching.Pool
	resolver  *matching.Resolver
	subtitles *subtitles.Coordinator
	organizer *organizer.Organizer
	ejector   *disc.Ejector
	notifier  notifications.Service
	logger    *slog.Logger

	mu         sync.Mutex
	active     map[int64]*jobRun
	finalizing map[int64]struct{}
	wg         sync.WaitGroup
}

func New(
	cfg *config.Config,
	st *store.Store,
	machine *state.Machine,
	b *bus.Bus,
	client *makemkv.Client,
	pool *matching.Pool,
	resolver *matching.Resolver,
	subs *subtitles.Coordinator,
	org *organizer.Organizer,
	ejector *disc.Ejector,
	notifier notifications.Service,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		machine:    machine,
		bus:        b,
		makemkv:    client,
		pool:       pool,
		resolver:   resolver,
		subtitles:  subs,
		organizer:  org,
		ejector:    ejector,
		notifier:   notifier,
		logger:     logging.Component(logger, "orchestrator"),
		active:     make(map[int64]*jobRun),
		finalizing: make(map[int64]struct{}),
	}
	pool.SetCompletionCheck(o.CheckJobCompletion)
	return o
}

// Run consumes drive events until ctx is cancelled, then waits for active
// pipelines to stop.
func (o *Orchestrator) Run(ctx context.Context, events <-chan sentinel.DriveEvent) error {
	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			o.pool.Wait()
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				o.wg.Wait()
				o.pool.Wait()
				return nil
			}
			o.bus.Publish(bus.EventDrive, event)
			switch event.Action {
			case sentinel.ActionInserted:
				o.onDiscInserted(ctx, event)
			case sentinel.ActionRemoved:
				o.onDiscRemoved(ctx, event)
			}
		}
	}
}

// onDiscInserted creates a job for the drive unless one is already active,
// then launches its pipeline.
func (o *Orchestrator) onDiscInserted(ctx context.Context, event sentinel.DriveEvent) {
	existing, err := o.store.ActiveJobForDrive(ctx, event.Drive)
	if err != nil {
		o.logger.Error("look up active job", logging.Error(err))
		return
	}
	if existing != nil {
		o.logger.Info("drive already has an active job",
			logging.String(logging.FieldDrive, event.Drive),
			logging.Int64(logging.FieldJobID, existing.ID))
		return
	}

	job := &store.Job{
		Drive:      event.Drive,
		DiscLabel:  event.Label,
		State:      store.JobIdle,
		StagingDir: o.stagingDir(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.logger.Error("create job", logging.Error(err))
		return
	}
	o.logger.Info("job created",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldDiscLabel, event.Label))
	o.bus.Publish(bus.EventJobUpdate, job)
	if err := o.notifier.DiscDetected(ctx, event.Label, event.Drive); err != nil {
		o.logger.Debug("notify disc detected", logging.Error(err))
	}

	o.launch(ctx, job.ID, o.runPipeline)
}

// onDiscRemoved cancels a job only while it still needs the disc. Jobs in
// ripping or later keep going: the ripper may have auto-ejected, and
// cancelling on a spurious removal would be destructive.
func (o *Orchestrator) onDiscRemoved(ctx context.Context, event sentinel.DriveEvent) {
	job, err := o.store.ActiveJobForDrive(ctx, event.Drive)
	if err != nil || job == nil {
		return
	}
	if job.State != store.JobIdle && job.State != store.JobIdentifying {
		o.logger.Info("disc removed mid-pipeline, job continues",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String(logging.FieldState, string(job.State)))
		return
	}
	if err := o.CancelJob(ctx, job.ID, "Disc removed"); err != nil {
		o.logger.Warn("cancel job on disc removal", logging.Error(err))
	}
}

// launch runs fn for jobID on its own goroutine with a per-job context
// registered in the active-jobs registry.
func (o *Orchestrator) launch(ctx context.Context, jobID int64, fn func(ctx context.Context, jobID int64)) {
	jobCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if _, exists := o.active[jobID]; exists {
		o.mu.Unlock()
		cancel()
		return
	}
	o.active[jobID] = &jobRun{cancel: cancel}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		fn(logging.WithJobID(jobCtx, jobID), jobID)
	}()
}

func (o *Orchestrator) release(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, jobID)
}

func (o *Orchestrator) run(jobID int64) *jobRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[jobID]
}

func (o *Orchestrator) stagingDir() string {
	return fmt.Sprintf("%s/job_%s", o.cfg.StagingPath, time.Now().Format("20060102_150405"))
}

// CancelJob cancels the rip driver and any in-flight match tasks, then
// fails the job. Idempotent: cancelling a terminal job is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID int64, reason string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "cancel",
			fmt.Sprintf("job %d not found", jobID), nil)
	}
	if job.State.Terminal() {
		return nil
	}
	if reason == "" {
		reason = CancelledByUser
	}

	o.mu.Lock()
	run := o.active[jobID]
	o.mu.Unlock()
	if run != nil {
		if run.driver != nil {
			run.driver.Cancel()
		}
		run.cancel()
	}
	o.pool.CancelJob(jobID)
	o.subtitles.Cancel(jobID)

	o.machine.TransitionJob(ctx, jobID, store.JobFailed, reason)
	if err := o.notifier.JobFailed(ctx, job.DetectedTitle, reason); err != nil {
		o.logger.Debug("notify job failed", logging.Error(err))
	}
	return nil
}

// DeleteJob removes a terminal job, its titles, and its staging directory.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID int64) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "delete",
			fmt.Sprintf("job %d not found", jobID), nil)
	}
	if !job.State.Terminal() {
		return services.Wrap(services.ErrValidation, "orchestrator", "delete",
			"only completed or failed jobs can be deleted", nil)
	}
	if job.StagingDir != "" {
		if err := os.RemoveAll(job.StagingDir); err != nil {
			o.logger.Warn("remove staging directory", logging.Error(err))
		}
	}
	o.subtitles.Release(jobID)
	return o.store.DeleteJob(ctx, jobID)
}

// StartJob begins (or resumes) processing from idle or review_needed.
func (o *Orchestrator) StartJob(ctx context.Context, jobID int64) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "start",
			fmt.Sprintf("job %d not found", jobID), nil)
	}

	switch job.State {
	case store.JobIdle:
		o.launch(ctx, jobID, o.runPipeline)
		return nil
	case store.JobReviewNeeded:
		titles, err := o.store.ListTitles(ctx, jobID)
		if err != nil {
			return err
		}
		ripped := false
		for _, title := range titles {
			if title.OutputFilename != "" {
				ripped = true
				break
			}
		}
		if ripped {
			// Files exist; go straight back to finalization.
			o.launch(ctx, jobID, func(ctx context.Context, jobID int64) {
				defer o.release(jobID)
				o.CheckJobCompletion(ctx, jobID)
			})
			return nil
		}
		o.launch(ctx, jobID, o.runRipPhase)
		return nil
	default:
		return services.Wrap(services.ErrValidation, "orchestrator", "start",
			fmt.Sprintf("cannot start job in state %s", job.State), nil)
	}
}
