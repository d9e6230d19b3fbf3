package matching

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"spool/internal/logging"
	"spool/internal/organizer"
	"spool/internal/state"
	"spool/internal/store"
)

// maxResolutionRounds bounds the cascading reassignment. Three rounds is
// enough for every observed runner-up graph; the per-round attempted set
// below guarantees each round terminates regardless.
const maxResolutionRounds = 3

// Resolver reassigns episode claims so no episode is held by more than one
// title, then organizes the survivors and settles the job state.
type Resolver struct {
	store     *store.Store
	machine   *state.Machine
	organizer *organizer.Organizer
	logger    *slog.Logger
}

func NewResolver(st *store.Store, machine *state.Machine, org *organizer.Organizer, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     st,
		machine:   machine,
		organizer: org,
		logger:    logging.Component(logger, "resolver"),
	}
}

// Resolve runs conflict resolution and finalization for a TV job whose
// titles have all reached a terminal match state.
func (r *Resolver) Resolve(ctx context.Context, jobID int64) error {
	logger := r.logger.With(logging.Int64(logging.FieldJobID, jobID))

	for round := 1; round <= maxResolutionRounds; round++ {
		changed, err := r.resolveRound(ctx, jobID, logger)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
	}

	return r.finalize(ctx, jobID, logger)
}

type claim struct {
	title *store.Title
	score float64
}

// resolveRound performs one pass over the current conflicts. Returns true
// when any assignment changed.
func (r *Resolver) resolveRound(ctx context.Context, jobID int64, logger *slog.Logger) (bool, error) {
	titles, err := r.store.ListTitles(ctx, jobID)
	if err != nil {
		return false, err
	}

	claims := make(map[string][]claim)
	for _, title := range titles {
		if title.State != store.TitleMatched || title.MatchedEpisode == "" {
			continue
		}
		claims[title.MatchedEpisode] = append(claims[title.MatchedEpisode], claim{
			title: title,
			score: title.Details().Score,
		})
	}

	var conflictEpisodes []string
	for episode, group := range claims {
		if len(group) > 1 {
			conflictEpisodes = append(conflictEpisodes, episode)
		}
	}
	if len(conflictEpisodes) == 0 {
		return false, nil
	}
	sort.Strings(conflictEpisodes)

	// Guards against a reassignment cycle within the round: a (title,
	// episode) pair is attempted at most once.
	attempted := make(map[string]struct{})
	changed := false

	for _, episode := range conflictEpisodes {
		group := claims[episode]
		if len(group) < 2 {
			continue
		}
		rankClaims(group)

		for _, loser := range group[1:] {
			reassigned := false
			for _, runnerUp := range loser.title.Details().RunnerUps {
				if runnerUp.Episode == "" || runnerUp.Episode == episode {
					continue
				}
				key := fmt.Sprintf("%d:%s", loser.title.ID, runnerUp.Episode)
				if _, tried := attempted[key]; tried {
					continue
				}
				attempted[key] = struct{}{}

				holders := claims[runnerUp.Episode]
				switch {
				case len(holders) == 0:
					// Unclaimed: take it.
				case len(holders) == 1 && runnerUp.Score > holders[0].score:
					// Outrank the sole claimant; the displaced title
					// becomes a loser in the next round.
				default:
					continue
				}

				if err := r.reassign(ctx, loser.title.ID, runnerUp); err != nil {
					return changed, err
				}
				claims[runnerUp.Episode] = append(claims[runnerUp.Episode], claim{
					title: loser.title,
					score: runnerUp.Score,
				})
				logger.Info("reassigned conflicting title",
					logging.Int64(logging.FieldTitleID, loser.title.ID),
					logging.String("from", episode),
					logging.String("to", runnerUp.Episode))
				reassigned = true
				changed = true
				break
			}

			if !reassigned {
				if err := r.parkConflict(ctx, loser.title.ID, episode); err != nil {
					return changed, err
				}
				changed = true
			}
		}
		// Only the winner keeps the episode.
		claims[episode] = group[:1]
	}
	return changed, nil
}

// rankClaims orders a conflict group best-first by (vote_count, score,
// file_coverage), with the title id as a deterministic tiebreak.
func rankClaims(group []claim) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i].title.Details(), group[j].title.Details()
		if a.VoteCount != b.VoteCount {
			return a.VoteCount > b.VoteCount
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.FileCoverage != b.FileCoverage {
			return a.FileCoverage > b.FileCoverage
		}
		return group[i].title.ID < group[j].title.ID
	})
}

// reassign moves a losing title to its runner-up episode. The recorded
// confidence is the runner-up's score, never more.
func (r *Resolver) reassign(ctx context.Context, titleID int64, runnerUp store.RunnerUp) error {
	return r.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		title.MatchedEpisode = runnerUp.Episode
		title.Confidence = runnerUp.Score
		details := title.Details()
		details.Score = runnerUp.Score
		title.SetDetails(details)
		return tx.UpdateTitle(ctx, title)
	})
}

// parkConflict marks a loser with no viable runner-up for review.
func (r *Resolver) parkConflict(ctx context.Context, titleID int64, episode string) error {
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		details := title.Details()
		details.ConflictReason = fmt.Sprintf("lost conflict for %s with no viable runner-up", episode)
		title.SetDetails(details)
		title.MatchedEpisode = ""
		return tx.UpdateTitle(ctx, title)
	})
	if err != nil {
		return err
	}
	r.machine.TransitionTitle(ctx, titleID, store.TitleReview, "")
	return nil
}

// finalize organizes surviving matched titles and settles the job state.
func (r *Resolver) finalize(ctx context.Context, jobID int64, logger *slog.Logger) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	r.machine.TransitionJob(ctx, jobID, store.JobOrganizing, "")

	titles, err := r.store.ListTitles(ctx, jobID)
	if err != nil {
		return err
	}

	finalPath := ""
	for _, title := range titles {
		if title.State != store.TitleMatched {
			continue
		}
		details := title.Details()
		if details.NeedsReview {
			r.machine.TransitionTitle(ctx, title.ID, store.TitleReview, "")
			continue
		}
		src := filepath.Join(job.StagingDir, title.OutputFilename)
		dest, err := r.organizer.PlaceEpisode(src, job.DetectedTitle, title.MatchedEpisode)
		if err != nil {
			logger.Warn("organize episode failed",
				logging.Int64(logging.FieldTitleID, title.ID),
				logging.Error(err))
			r.failToReview(ctx, title.ID, "organization_failed", err.Error())
			continue
		}
		if err := r.recordOrganized(ctx, title.ID, dest); err != nil {
			return err
		}
		r.machine.TransitionTitle(ctx, title.ID, store.TitleCompleted, "")
		if finalPath == "" {
			finalPath = filepath.Dir(dest)
		}
	}

	return r.settleJob(ctx, jobID, finalPath)
}

func (r *Resolver) recordOrganized(ctx context.Context, titleID int64, dest string) error {
	return r.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		title.OrganizedTo = dest
		return tx.UpdateTitle(ctx, title)
	})
}

func (r *Resolver) failToReview(ctx context.Context, titleID int64, code, message string) {
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		details := title.Details()
		details.Error = code
		details.Message = message
		title.SetDetails(details)
		return tx.UpdateTitle(ctx, title)
	})
	if err != nil {
		r.logger.Warn("record review details",
			logging.Int64(logging.FieldTitleID, titleID),
			logging.Error(err))
	}
	r.machine.TransitionTitle(ctx, titleID, store.TitleReview, "")
}

// settleJob applies the final job state rule: any review → review_needed,
// else any completed → completed, else failed.
func (r *Resolver) settleJob(ctx context.Context, jobID int64, finalPath string) error {
	titles, err := r.store.ListTitles(ctx, jobID)
	if err != nil {
		return err
	}

	// Deselected titles never rip; close them out so a completed job holds
	// only completed or failed titles.
	for _, title := range titles {
		if title.State == store.TitlePending && !title.IsSelected {
			r.machine.TransitionTitle(ctx, title.ID, store.TitleFailed, "not selected for ripping")
			title.State = store.TitleFailed
		}
	}

	anyReview := false
	anyCompleted := false
	for _, title := range titles {
		switch title.State {
		case store.TitleReview:
			anyReview = true
		case store.TitleCompleted:
			anyCompleted = true
		}
	}

	switch {
	case anyReview:
		r.machine.TransitionJob(ctx, jobID, store.JobReviewNeeded, "")
	case anyCompleted:
		if finalPath != "" {
			err := r.store.WithTx(ctx, func(tx *store.Tx) error {
				job, err := tx.GetJob(ctx, jobID)
				if err != nil || job == nil {
					return err
				}
				job.FinalPath = finalPath
				return tx.UpdateJob(ctx, job)
			})
			if err != nil {
				return err
			}
		}
		r.machine.TransitionJob(ctx, jobID, store.JobCompleted, "")
	default:
		r.machine.TransitionJob(ctx, jobID, store.JobFailed, "no titles could be organized")
	}
	return nil
}
