// Package identification classifies disc content from track durations and
// volume labels.
package identification

import (
	"math"

	"spool/internal/config"
	"spool/internal/store"
)

// Thresholds are the duration heuristics used by the classifier.
type Thresholds struct {
	MovieMinDuration   float64
	TVMinDuration      float64
	TVMaxDuration      float64
	TVDurationVariance float64
	TVMinClusterSize   int
	MovieDominance     float64
}

// ThresholdsFromConfig pulls the analyst settings out of the config.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		MovieMinDuration:   cfg.AnalystMovieMinDuration,
		TVMinDuration:      cfg.AnalystTVMinDuration,
		TVMaxDuration:      cfg.AnalystTVMaxDuration,
		TVDurationVariance: cfg.AnalystTVDurationVariance,
		TVMinClusterSize:   cfg.AnalystTVMinClusterSize,
		MovieDominance:     cfg.AnalystMovieDominance,
	}
}

// Classification is the verdict on a disc's content type.
type Classification struct {
	ContentType store.ContentType
	NeedsReview bool
	Reason      string
}

// Classify inspects title durations (seconds, disc order). A strong episode
// cluster wins over a single long track; a dominant feature-length track
// wins otherwise; anything else needs review.
func Classify(durations []float64, label LabelInfo, t Thresholds) Classification {
	if len(durations) == 0 {
		return Classification{ContentType: store.ContentUnknown, NeedsReview: true, Reason: "no titles detected"}
	}

	cluster := episodeCluster(durations, t)
	if len(cluster) >= t.TVMinClusterSize {
		return Classification{ContentType: store.ContentTV, Reason: "episode duration cluster"}
	}
	if label.IsTV && len(cluster) > 0 {
		// A labelled season disc with few episodes (season finales, short
		// discs) still counts as TV.
		return Classification{ContentType: store.ContentTV, Reason: "tv label with episode-length titles"}
	}

	longest := 0.0
	total := 0.0
	for _, duration := range durations {
		total += duration
		if duration > longest {
			longest = duration
		}
	}
	if longest >= t.MovieMinDuration && total > 0 && longest/total >= t.MovieDominance {
		return Classification{ContentType: store.ContentMovie, Reason: "dominant feature-length title"}
	}
	if longest >= t.MovieMinDuration {
		return Classification{ContentType: store.ContentMovie, NeedsReview: true, Reason: "feature-length title without dominance"}
	}

	return Classification{ContentType: store.ContentUnknown, NeedsReview: true, Reason: "no recognizable duration pattern"}
}

// episodeCluster returns the indices of the largest group of titles with
// episode-range durations within the variance window of each other.
func episodeCluster(durations []float64, t Thresholds) []int {
	var best []int
	for _, center := range durations {
		if center < t.TVMinDuration || center > t.TVMaxDuration {
			continue
		}
		var members []int
		for j, duration := range durations {
			if duration < t.TVMinDuration || duration > t.TVMaxDuration {
				continue
			}
			if math.Abs(duration-center) <= t.TVDurationVariance {
				members = append(members, j)
			}
		}
		if len(members) > len(best) {
			best = members
		}
	}
	return best
}

// DetectPlayAll returns indices of titles that look like disc-authoring
// concatenations: a track whose duration approximates the sum of the
// episode cluster. Such tracks are deselected before ripping.
func DetectPlayAll(durations []float64, t Thresholds) []int {
	cluster := episodeCluster(durations, t)
	if len(cluster) < 2 {
		return nil
	}
	inCluster := make(map[int]struct{}, len(cluster))
	sum := 0.0
	for _, index := range cluster {
		inCluster[index] = struct{}{}
		sum += durations[index]
	}

	tolerance := math.Max(t.TVDurationVariance*float64(len(cluster)), sum*0.02)

	var playAll []int
	for i, duration := range durations {
		if _, member := inCluster[i]; member {
			continue
		}
		if math.Abs(duration-sum) <= tolerance {
			playAll = append(playAll, i)
		}
	}
	return playAll
}
