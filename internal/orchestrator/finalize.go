package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"spool/internal/identification"
	"spool/internal/logging"
	"spool/internal/services"
	"spool/internal/store"
)

// CheckJobCompletion finalizes the job once every selected title has reached
// a terminal match state. Safe to call repeatedly; concurrent calls for the
// same job collapse to one finalization.
func (o *Orchestrator) CheckJobCompletion(ctx context.Context, jobID int64) {
	logger := logging.WithContext(logging.WithJobID(ctx, jobID), o.logger)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		if err != nil {
			logger.Error("load job for completion check", logging.Error(err))
		}
		return
	}
	if job.State.Terminal() {
		return
	}

	titles, err := o.store.ListTitles(ctx, jobID)
	if err != nil {
		logger.Error("load titles for completion check", logging.Error(err))
		return
	}
	for _, title := range titles {
		if title.State.MatchTerminal() {
			continue
		}
		if title.State == store.TitlePending && !title.IsSelected {
			continue
		}
		return // still in flight
	}

	o.mu.Lock()
	if _, busy := o.finalizing[jobID]; busy {
		o.mu.Unlock()
		return
	}
	o.finalizing[jobID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.finalizing, jobID)
		o.mu.Unlock()
	}()

	ctx = logging.WithJobID(ctx, jobID)
	if job.ContentType == store.ContentMovie {
		o.finalizeMovie(ctx, jobID)
	} else {
		if err := o.resolver.Resolve(ctx, jobID); err != nil {
			logger.Error("resolve job", logging.Error(err))
			o.machine.TransitionJob(ctx, jobID, store.JobFailed, "conflict resolution failed")
		}
	}
	o.notifyOutcome(ctx, jobID)
}

// finalizeMovie organizes a movie job: one feature file into the library,
// everything else as extras. Multiple feature-length candidates need a
// review decision first.
func (o *Orchestrator) finalizeMovie(ctx context.Context, jobID int64) {
	logger := logging.WithContext(ctx, o.logger)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	titles, err := o.store.ListTitles(ctx, jobID)
	if err != nil {
		logger.Error("load titles for movie finalization", logging.Error(err))
		return
	}

	var matched []*store.Title
	for _, title := range titles {
		if title.State == store.TitleMatched && title.OutputFilename != "" {
			matched = append(matched, title)
		}
	}
	if len(matched) == 0 {
		o.settleMovie(ctx, jobID, titles, "")
		return
	}

	var features []*store.Title
	for _, title := range matched {
		if title.DurationSeconds >= float64(o.cfg.AnalystMovieMinDuration) {
			features = append(features, title)
		}
	}

	if len(features) > 1 {
		o.machine.TransitionJob(ctx, jobID, store.JobReviewNeeded,
			fmt.Sprintf("%d feature-length titles, main feature unclear", len(features)))
		return
	}

	main := matched[0]
	if len(features) == 1 {
		main = features[0]
	} else {
		for _, title := range matched {
			if title.DurationSeconds > main.DurationSeconds {
				main = title
			}
		}
	}

	if applied, _ := o.machine.TransitionJob(ctx, jobID, store.JobOrganizing, ""); !applied {
		return
	}

	label := identification.ParseLabel(job.DiscLabel)
	src := filepath.Join(job.StagingDir, main.OutputFilename)
	dest, err := o.organizer.PlaceMovie(src, job.DetectedTitle, label.Year, main.Edition)
	if err != nil {
		logger.Warn("organize movie failed", logging.Error(err))
		o.machine.TransitionJob(ctx, jobID, store.JobReviewNeeded, err.Error())
		return
	}
	o.recordOrganized(ctx, main.ID, dest, false)
	o.machine.TransitionTitle(ctx, main.ID, store.TitleCompleted, "")

	ordinal := 0
	for _, title := range matched {
		if title.ID == main.ID {
			continue
		}
		ordinal++
		extraSrc := filepath.Join(job.StagingDir, title.OutputFilename)
		extraDest, err := o.organizer.PlaceMovieExtra(extraSrc, job.DetectedTitle, label.Year, ordinal)
		if err != nil {
			logger.Warn("organize movie extra failed",
				logging.Int64(logging.FieldTitleID, title.ID),
				logging.Error(err))
			o.machine.TransitionTitle(ctx, title.ID, store.TitleFailed, err.Error())
			continue
		}
		o.recordOrganized(ctx, title.ID, extraDest, true)
		o.machine.TransitionTitle(ctx, title.ID, store.TitleCompleted, "")
	}

	o.settleMovie(ctx, jobID, nil, filepath.Dir(dest))
}

// settleMovie closes out remaining titles and applies the final job state.
func (o *Orchestrator) settleMovie(ctx context.Context, jobID int64, titles []*store.Title, finalPath string) {
	var err error
	if titles == nil {
		titles, err = o.store.ListTitles(ctx, jobID)
		if err != nil {
			return
		}
	}

	anyCompleted := false
	for _, title := range titles {
		if title.State == store.TitlePending && !title.IsSelected {
			o.machine.TransitionTitle(ctx, title.ID, store.TitleFailed, "not selected for ripping")
			continue
		}
		if title.State == store.TitleCompleted {
			anyCompleted = true
		}
	}

	if !anyCompleted {
		o.machine.TransitionJob(ctx, jobID, store.JobFailed, "no titles could be organized")
		return
	}
	if finalPath != "" {
		err := o.store.WithTx(ctx, func(tx *store.Tx) error {
			job, err := tx.GetJob(ctx, jobID)
			if err != nil || job == nil {
				return err
			}
			job.FinalPath = finalPath
			return tx.UpdateJob(ctx, job)
		})
		if err != nil {
			o.logger.Warn("persist final path", logging.Error(err))
		}
	}
	o.machine.TransitionJob(ctx, jobID, store.JobCompleted, "")
}

func (o *Orchestrator) recordOrganized(ctx context.Context, titleID int64, dest string, extra bool) {
	err := o.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		title.OrganizedTo = dest
		if extra {
			title.IsExtra = true
		}
		return tx.UpdateTitle(ctx, title)
	})
	if err != nil {
		o.logger.Warn("record organized path",
			logging.Int64(logging.FieldTitleID, titleID),
			logging.Error(err))
	}
}

var manualEpisodePattern = regexp.MustCompile(`(?i)^S\d{2}E\d{2}$`)

// ApplyReview applies an operator decision to a reviewed title. TV titles
// get the supplied episode code; movie titles are promoted to the main
// feature, displacing any competing feature candidates.
func (o *Orchestrator) ApplyReview(ctx context.Context, jobID, titleID int64, episodeCode, edition string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "review",
			fmt.Sprintf("job %d not found", jobID), nil)
	}
	if job.State != store.JobReviewNeeded {
		return services.Wrap(services.ErrValidation, "orchestrator", "review",
			fmt.Sprintf("job is %s, not awaiting review", job.State), nil)
	}

	title, err := o.store.GetTitle(ctx, titleID)
	if err != nil {
		return err
	}
	if title == nil || title.JobID != jobID {
		return services.Wrap(services.ErrNotFound, "orchestrator", "review",
			fmt.Sprintf("title %d not found on job %d", titleID, jobID), nil)
	}

	if job.ContentType == store.ContentMovie {
		return o.applyMovieReview(ctx, job, title, edition)
	}
	return o.applyTVReview(ctx, job, title, episodeCode)
}

// applyTVReview assigns the operator's episode code with full confidence and
// re-runs completion.
func (o *Orchestrator) applyTVReview(ctx context.Context, job *store.Job, title *store.Title, episodeCode string) error {
	episodeCode = strings.ToUpper(strings.TrimSpace(episodeCode))
	if !manualEpisodePattern.MatchString(episodeCode) {
		return services.Wrap(services.ErrValidation, "orchestrator", "review",
			fmt.Sprintf("malformed episode code %q", episodeCode), nil)
	}

	err := o.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetTitle(ctx, title.ID)
		if err != nil || current == nil {
			return err
		}
		current.MatchedEpisode = episodeCode
		current.Confidence = 1.0
		details := current.Details()
		details.NeedsReview = false
		details.ConflictReason = ""
		details.Error = ""
		details.Message = ""
		current.SetDetails(details)
		return tx.UpdateTitle(ctx, current)
	})
	if err != nil {
		return err
	}
	o.machine.TransitionTitle(ctx, title.ID, store.TitleMatched, "")

	go o.CheckJobCompletion(context.WithoutCancel(ctx), job.ID)
	return nil
}

// applyMovieReview picks the chosen title as the main feature. Other
// feature-length candidates are failed and their staged files removed so
// finalization sees exactly one feature.
func (o *Orchestrator) applyMovieReview(ctx context.Context, job *store.Job, chosen *store.Title, edition string) error {
	if edition = strings.TrimSpace(edition); edition != "" {
		err := o.store.WithTx(ctx, func(tx *store.Tx) error {
			current, err := tx.GetTitle(ctx, chosen.ID)
			if err != nil || current == nil {
				return err
			}
			current.Edition = edition
			return tx.UpdateTitle(ctx, current)
		})
		if err != nil {
			return err
		}
	}
	if chosen.State == store.TitleReview {
		o.machine.TransitionTitle(ctx, chosen.ID, store.TitleMatched, "")
	}

	titles, err := o.store.ListTitles(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, title := range titles {
		if title.ID == chosen.ID {
			continue
		}
		if title.State != store.TitleMatched && title.State != store.TitleReview {
			continue
		}
		if title.DurationSeconds < float64(o.cfg.AnalystMovieMinDuration) {
			continue
		}
		if title.OutputFilename != "" {
			staged := filepath.Join(job.StagingDir, title.OutputFilename)
			if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
				o.logger.Warn("remove displaced feature file", logging.Error(err))
			}
		}
		o.machine.TransitionTitle(ctx, title.ID, store.TitleFailed, "not selected as main feature")
	}

	go o.CheckJobCompletion(context.WithoutCancel(ctx), job.ID)
	return nil
}

// ProcessMatched organizes whatever matched cleanly, accepting
// low-confidence flags as-is. Titles still awaiting review stay in review;
// the job returns to review_needed until they are resolved.
func (o *Orchestrator) ProcessMatched(ctx context.Context, jobID int64) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "process-matched",
			fmt.Sprintf("job %d not found", jobID), nil)
	}
	if job.State != store.JobReviewNeeded {
		return services.Wrap(services.ErrValidation, "orchestrator", "process-matched",
			fmt.Sprintf("job is %s, not awaiting review", job.State), nil)
	}

	titles, err := o.store.ListTitles(ctx, jobID)
	if err != nil {
		return err
	}
	anyMatched := false
	for _, title := range titles {
		if title.State == store.TitleMatched {
			anyMatched = true
			details := title.Details()
			if details.NeedsReview {
				err := o.store.WithTx(ctx, func(tx *store.Tx) error {
					current, err := tx.GetTitle(ctx, title.ID)
					if err != nil || current == nil {
						return err
					}
					d := current.Details()
					d.NeedsReview = false
					current.SetDetails(d)
					return tx.UpdateTitle(ctx, current)
				})
				if err != nil {
					return err
				}
			}
		}
	}
	if !anyMatched {
		return services.Wrap(services.ErrValidation, "orchestrator", "process-matched",
			"no matched titles to process", nil)
	}

	go o.CheckJobCompletion(context.WithoutCancel(ctx), jobID)
	return nil
}

// notifyOutcome reports the job's terminal or review state after
// finalization.
func (o *Orchestrator) notifyOutcome(ctx context.Context, jobID int64) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	switch job.State {
	case store.JobCompleted:
		err = o.notifier.JobCompleted(ctx, job.DetectedTitle, job.FinalPath)
	case store.JobReviewNeeded:
		err = o.notifier.ReviewNeeded(ctx, job.DetectedTitle, job.ErrorMessage)
	case store.JobFailed:
		if job.ErrorMessage != CancelledByUser {
			err = o.notifier.JobFailed(ctx, job.DetectedTitle, job.ErrorMessage)
		}
	default:
		return
	}
	if err != nil {
		o.logger.Debug("notify job outcome", logging.Error(err))
	}
}
