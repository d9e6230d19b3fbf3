// Package state validates and applies job and title state transitions.
//
// A successful transition persists the entity, bumps updated_at, and
// publishes a state-change event. Rejected transitions are logged and
// reported to the caller but never error out, and the same-state transition
// is a silent no-op.
package state

import (
	"context"
	"log/slog"

	"spool/internal/bus"
	"spool/internal/logging"
	"spool/internal/store"
)

var jobTransitions = map[store.JobState][]store.JobState{
	store.JobIdle:         {store.JobIdentifying},
	store.JobIdentifying:  {store.JobRipping, store.JobReviewNeeded},
	store.JobRipping:      {store.JobMatching, store.JobReviewNeeded, store.JobOrganizing},
	store.JobMatching:     {store.JobOrganizing, store.JobReviewNeeded},
	store.JobOrganizing:   {store.JobCompleted, store.JobReviewNeeded},
	store.JobReviewNeeded: {store.JobRipping, store.JobMatching, store.JobOrganizing, store.JobCompleted},
}

var titleTransitions = map[store.TitleState][]store.TitleState{
	store.TitlePending:  {store.TitleRipping},
	store.TitleRipping:  {store.TitleMatching, store.TitleMatched},
	store.TitleMatching: {store.TitleMatched, store.TitleReview},
	store.TitleMatched:  {store.TitleCompleted, store.TitleReview},
	store.TitleReview:   {store.TitleMatched, store.TitleCompleted},
}

// JobTransitionAllowed reports whether from → to is a legal job edge.
// failed is reachable from any non-terminal state.
func JobTransitionAllowed(from, to store.JobState) bool {
	if from.Terminal() {
		return false
	}
	if to == store.JobFailed {
		return true
	}
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TitleTransitionAllowed reports whether from → to is a legal title edge.
func TitleTransitionAllowed(from, to store.TitleState) bool {
	if from.Terminal() {
		return false
	}
	if to == store.TitleFailed {
		return true
	}
	for _, allowed := range titleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine applies transitions against the store and publishes events.
type Machine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewMachine(st *store.Store, b *bus.Bus, logger *slog.Logger) *Machine {
	return &Machine{
		store:  st,
		bus:    b,
		logger: logging.Component(logger, "state"),
	}
}

// TransitionJob moves the job to target, recording errorMessage when
// non-empty. Returns (true, nil) when applied, (false, nil) when rejected
// or a same-state no-op.
func (m *Machine) TransitionJob(ctx context.Context, jobID int64, target store.JobState, errorMessage string) (bool, error) {
	var updated *store.Job
	applied := false

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			m.logger.Warn("transition for missing job",
				logging.Int64(logging.FieldJobID, jobID),
				logging.String(logging.FieldState, string(target)))
			return nil
		}
		if job.State == target {
			return nil
		}
		if !JobTransitionAllowed(job.State, target) {
			m.logger.Warn("rejected job transition",
				logging.Int64(logging.FieldJobID, jobID),
				logging.String("from", string(job.State)),
				logging.String("to", string(target)))
			return nil
		}
		job.State = target
		if errorMessage != "" {
			job.ErrorMessage = errorMessage
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		updated = job
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		m.logger.Info("job transition",
			logging.Int64(logging.FieldJobID, jobID),
			logging.String(logging.FieldState, string(target)))
		m.bus.Publish(bus.EventJobUpdate, updated)
	}
	return applied, nil
}

// TransitionTitle moves the title to target. failureDetail, when non-empty,
// is recorded into the match-details blob for failed/review targets.
func (m *Machine) TransitionTitle(ctx context.Context, titleID int64, target store.TitleState, failureDetail string) (bool, error) {
	var updated *store.Title
	applied := false

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil {
			return err
		}
		if title == nil {
			m.logger.Warn("transition for missing title",
				logging.Int64(logging.FieldTitleID, titleID),
				logging.String(logging.FieldState, string(target)))
			return nil
		}
		if title.State == target {
			return nil
		}
		if !TitleTransitionAllowed(title.State, target) {
			m.logger.Warn("rejected title transition",
				logging.Int64(logging.FieldTitleID, titleID),
				logging.String("from", string(title.State)),
				logging.String("to", string(target)))
			return nil
		}
		title.State = target
		if failureDetail != "" && (target == store.TitleFailed || target == store.TitleReview) {
			details := title.Details()
			if details.Error == "" {
				details.Error = failureDetail
			} else {
				details.Message = failureDetail
			}
			title.SetDetails(details)
		}
		if err := tx.UpdateTitle(ctx, title); err != nil {
			return err
		}
		updated = title
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		m.logger.Info("title transition",
			logging.Int64(logging.FieldTitleID, titleID),
			logging.String(logging.FieldState, string(target)))
		m.bus.Publish(bus.EventTitleUpdate, updated)
	}
	return applied, nil
}
