package orchestrator

import (
	"context"

	"spool/internal/bus"
	"spool/internal/identification"
	"spool/internal/logging"
	"spool/internal/services"
	"spool/internal/store"
)

// TitlesDiscovered is the bus payload published after identification.
type TitlesDiscovered struct {
	JobID  int64          `json:"job_id"`
	Titles []*store.Title `json:"titles"`
}

// minSelectableDuration filters out menu loops and trailers; anything this
// short is not worth ripping even as an extra.
const minSelectableDuration = 120.0

// runPipeline is the full pipeline for a fresh job.
func (o *Orchestrator) runPipeline(ctx context.Context, jobID int64) {
	defer o.release(jobID)

	ok := o.identify(ctx, jobID)
	if !ok {
		return
	}
	o.rip(ctx, jobID)
}

// runRipPhase resumes a reviewed job that has not ripped yet.
func (o *Orchestrator) runRipPhase(ctx context.Context, jobID int64) {
	defer o.release(jobID)
	o.rip(ctx, jobID)
}

// identify scans the disc, classifies its content, and creates titles.
// Returns false when the pipeline should not continue to ripping.
func (o *Orchestrator) identify(ctx context.Context, jobID int64) bool {
	logger := logging.WithContext(ctx, o.logger)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		logger.Error("load job for identification", logging.Error(err))
		return false
	}

	if applied, _ := o.machine.TransitionJob(ctx, jobID, store.JobIdentifying, ""); !applied {
		return false
	}

	label := identification.ParseLabel(job.DiscLabel)

	info, err := o.makemkv.Scan(ctx, job.Drive)
	if err != nil {
		logger.Error("disc scan failed", logging.Error(err))
		if services.FailureStatus(err) == services.DispositionReview {
			o.machine.TransitionJob(ctx, jobID, store.JobReviewNeeded, err.Error())
		} else {
			o.machine.TransitionJob(ctx, jobID, store.JobFailed, err.Error())
		}
		return false
	}

	durations := make([]float64, len(info.Titles))
	for i, title := range info.Titles {
		durations[i] = title.DurationSeconds
	}
	thresholds := identification.ThresholdsFromConfig(o.cfg)
	verdict := identification.Classify(durations, label, thresholds)

	playAll := make(map[int]struct{})
	for _, index := range identification.DetectPlayAll(durations, thresholds) {
		playAll[index] = struct{}{}
	}

	titles := make([]*store.Title, 0, len(info.Titles))
	for i, scanned := range info.Titles {
		_, isPlayAll := playAll[i]
		selected := !isPlayAll && scanned.DurationSeconds >= minSelectableDuration
		titles = append(titles, &store.Title{
			JobID:           jobID,
			TitleIndex:      scanned.Index,
			DurationSeconds: scanned.DurationSeconds,
			ExpectedBytes:   scanned.Bytes,
			ChapterCount:    scanned.Chapters,
			Resolution:      scanned.Resolution,
			IsSelected:      selected,
			State:           store.TitlePending,
		})
	}
	if err := o.store.CreateTitles(ctx, titles); err != nil {
		logger.Error("persist titles", logging.Error(err))
		o.machine.TransitionJob(ctx, jobID, store.JobFailed, "could not persist disc titles")
		return false
	}

	var updated *store.Job
	err = o.store.WithTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil || job == nil {
			return err
		}
		job.ContentType = verdict.ContentType
		job.TotalTitles = len(titles)
		if label.Usable {
			job.DetectedTitle = label.Title
			if label.Season > 0 {
				season := label.Season
				job.DetectedSeason = &season
			}
			if label.Disc > 0 {
				job.DiscNumber = label.Disc
			}
		} else if info.Name != "" {
			job.DetectedTitle = info.Name
		}
		updated = job
		return tx.UpdateJob(ctx, job)
	})
	if err != nil || updated == nil {
		logger.Error("persist identification", logging.Error(err))
		o.machine.TransitionJob(ctx, jobID, store.JobFailed, "could not persist identification")
		return false
	}
	o.bus.Publish(bus.EventJobUpdate, updated)
	o.bus.Publish(bus.EventTitlesDiscovered, TitlesDiscovered{JobID: jobID, Titles: titles})

	logger.Info("identification complete",
		logging.String("content_type", string(verdict.ContentType)),
		logging.String("detected_title", updated.DetectedTitle),
		logging.Int("titles", len(titles)))

	if verdict.NeedsReview || !label.Usable {
		reason := verdict.Reason
		if !label.Usable {
			reason = "volume label identifies nothing"
		}
		o.machine.TransitionJob(ctx, jobID, store.JobReviewNeeded, reason)
		if err := o.notifier.ReviewNeeded(ctx, updated.DetectedTitle, reason); err != nil {
			logger.Debug("notify review needed", logging.Error(err))
		}
		return false
	}

	if verdict.ContentType == store.ContentTV && updated.DetectedTitle != "" {
		season := 1
		if updated.DetectedSeason != nil {
			season = *updated.DetectedSeason
		}
		o.subtitles.Start(ctx, jobID, updated.DetectedTitle, season, updated.StagingDir+"/subtitles")
	}
	return true
}
