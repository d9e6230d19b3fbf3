package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"spool/internal/bus"
	"spool/internal/logging"
	"spool/internal/ripping"
	"spool/internal/services/makemkv"
	"spool/internal/store"
)

// rip drives extraction of the selected titles and feeds completions into
// the matching pipeline.
func (o *Orchestrator) rip(ctx context.Context, jobID int64) {
	logger := logging.WithContext(ctx, o.logger)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		logger.Error("load job for ripping", logging.Error(err))
		return
	}
	titles, err := o.store.ListTitles(ctx, jobID)
	if err != nil {
		logger.Error("load titles for ripping", logging.Error(err))
		return
	}

	var selected []*store.Title
	for _, title := range titles {
		if title.IsSelected {
			selected = append(selected, title)
		}
	}
	if len(selected) == 0 {
		o.machine.TransitionJob(ctx, jobID, store.JobFailed, "no titles selected for ripping")
		return
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].TitleIndex < selected[j].TitleIndex
	})

	if applied, _ := o.machine.TransitionJob(ctx, jobID, store.JobRipping, ""); !applied {
		return
	}

	driver := ripping.New(o.makemkv, o.logger)
	if run := o.run(jobID); run != nil {
		o.mu.Lock()
		run.driver = driver
		o.mu.Unlock()
	}

	indices := make([]int, len(selected))
	for i, title := range selected {
		indices[i] = title.TitleIndex
	}

	events := make(chan ripping.Event, 64)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		o.consumeRipEvents(ctx, job, selected, len(titles), events)
	}()

	result := driver.Run(ctx, job.Drive, job.StagingDir, indices, len(titles), events)
	close(events)
	<-consumerDone

	// Backfill: files the driver never reported (flushed only on exit).
	for _, path := range driver.Unreported(job.StagingDir) {
		o.onTitleRipped(ctx, jobID, path)
	}

	switch {
	case result.ErrorMessage == ripping.CancelledMessage:
		o.machine.TransitionJob(ctx, jobID, store.JobFailed, CancelledByUser)
		return
	case !result.Success:
		logger.Error("rip failed", logging.String("reason", result.ErrorMessage))
		o.machine.TransitionJob(ctx, jobID, store.JobFailed, result.ErrorMessage)
		return
	}

	logger.Info("rip complete", logging.Int("files", len(result.ProducedFiles)))
	if err := o.ejector.Eject(ctx, job.Drive); err != nil {
		logger.Debug("eject after rip", logging.Error(err))
	}
	if err := o.notifier.RipCompleted(ctx, job.DetectedTitle); err != nil {
		logger.Debug("notify rip complete", logging.Error(err))
	}

	if job.ContentType == store.ContentTV {
		o.machine.TransitionJob(ctx, jobID, store.JobMatching, "")
	}
	o.CheckJobCompletion(context.WithoutCancel(ctx), jobID)
}

// consumeRipEvents aggregates driver progress into job fields and routes
// per-title completions.
func (o *Orchestrator) consumeRipEvents(ctx context.Context, job *store.Job, selected []*store.Title, discTitleCount int, events <-chan ripping.Event) {
	totalBytes := int64(0)
	for _, title := range selected {
		totalBytes += title.ExpectedBytes
	}
	// Mirrors the driver's invocation choice: one "all" run reports overall
	// percent directly, while per-index runs restart PRGV at zero for each
	// title and need aggregation.
	allMode := discTitleCount > 0 && len(selected) >= discTitleCount

	var (
		lastPercent  = -1.0
		lastSample   time.Time
		lastDone     int64
		currentSpeed string
	)

	for event := range events {
		switch event.Kind {
		case ripping.EventTitleComplete:
			o.onTitleRipped(ctx, job.ID, event.Path)
		case ripping.EventProgress:
			overall := event.Percent
			if !allMode && event.TotalTitles > 0 {
				overall = (float64(event.CurrentRip) + event.Percent/100) / float64(event.TotalTitles) * 100
			}
			if overall > 100 {
				overall = 100
			}
			if overall-lastPercent < 0.1 {
				continue
			}
			lastPercent = overall

			done := int64(overall / 100 * float64(totalBytes))
			now := time.Now()
			etaSeconds := int64(0)
			if !lastSample.IsZero() {
				elapsed := now.Sub(lastSample).Seconds()
				if elapsed > 0 && done > lastDone {
					rate := float64(done-lastDone) / elapsed
					currentSpeed = fmt.Sprintf("%.1f MB/s", rate/(1<<20))
					if rate > 0 {
						etaSeconds = int64(float64(totalBytes-done) / rate)
					}
				}
			}
			lastSample = now
			lastDone = done

			o.updateRipProgress(ctx, job.ID, overall, event.CurrentRip, len(selected), currentSpeed, etaSeconds)
		case ripping.EventLog:
			logging.WithContext(ctx, o.logger).Debug("ripper message",
				logging.String("message", event.Message))
		}
	}
}

func (o *Orchestrator) updateRipProgress(ctx context.Context, jobID int64, percent float64, currentRip, total int, speed string, eta int64) {
	var updated *store.Job
	err := o.store.WithTx(ctx, func(tx *store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil || job == nil {
			return err
		}
		job.ProgressPercent = percent
		job.CurrentTitleIndex = currentRip + 1
		if job.CurrentTitleIndex > total {
			job.CurrentTitleIndex = total
		}
		if speed != "" {
			job.Speed = speed
		}
		job.ETASeconds = eta
		updated = job
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		o.logger.Debug("persist rip progress", logging.Error(err))
		return
	}
	if updated != nil {
		o.bus.Publish(bus.EventJobUpdate, updated)
	}
}

// onTitleRipped maps a finished file to its title, records the filename
// once, and dispatches the title onward. Replays of the same path are
// no-ops because output_filename is set exactly once.
func (o *Orchestrator) onTitleRipped(ctx context.Context, jobID int64, path string) {
	logger := logging.WithContext(ctx, o.logger)
	filename := fileBase(path)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		logger.Error("load job for title completion", logging.Error(err))
		return
	}
	titles, err := o.store.ListTitles(ctx, jobID)
	if err != nil {
		logger.Error("load titles for title completion", logging.Error(err))
		return
	}

	var selected []*store.Title
	for _, title := range titles {
		if title.IsSelected {
			selected = append(selected, title)
		}
		if title.OutputFilename == filename {
			return // replayed completion
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].TitleIndex < selected[j].TitleIndex
	})

	target := o.mapRippedFile(filename, selected)
	if target == nil {
		logger.Warn("no title for ripped file", logging.String("filename", filename))
		return
	}

	err = o.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, target.ID)
		if err != nil || title == nil {
			return err
		}
		if title.OutputFilename != "" {
			target = nil // raced with another completion path
			return nil
		}
		title.OutputFilename = filename
		return tx.UpdateTitle(ctx, title)
	})
	if err != nil {
		logger.Error("record ripped filename", logging.Error(err))
		return
	}
	if target == nil {
		return
	}

	o.machine.TransitionTitle(ctx, target.ID, store.TitleRipping, "")
	if job.ContentType == store.ContentMovie {
		// Movies skip matching entirely.
		o.machine.TransitionTitle(ctx, target.ID, store.TitleMatched, "")
		return
	}
	o.pool.Submit(context.WithoutCancel(ctx), jobID, target.ID, path)
}

// mapRippedFile finds the Title for a completed file: by the index parsed
// from the filename, falling back to rip order over the sorted selected
// titles.
func (o *Orchestrator) mapRippedFile(filename string, selected []*store.Title) *store.Title {
	if index := makemkv.TitleIndexFromFilename(filename); index >= 0 {
		for _, title := range selected {
			if title.TitleIndex == index {
				return title
			}
		}
	}
	for _, title := range selected {
		if title.OutputFilename == "" {
			return title
		}
	}
	return nil
}

func fileBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
