package identification_test

import (
	"testing"

	"spool/internal/identification"
	"spool/internal/store"
	"spool/internal/testsupport"
)

func thresholds(t *testing.T) identification.Thresholds {
	t.Helper()
	return identification.ThresholdsFromConfig(testsupport.NewConfig(t))
}

func TestClassifyEpisodeCluster(t *testing.T) {
	// Four ~24 minute titles plus a menu loop.
	durations := []float64{1440, 1455, 1430, 1448, 90}
	verdict := identification.Classify(durations, identification.LabelInfo{}, thresholds(t))
	if verdict.ContentType != store.ContentTV || verdict.NeedsReview {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestClassifyDominantFeature(t *testing.T) {
	durations := []float64{7200, 300, 420, 180}
	verdict := identification.Classify(durations, identification.LabelInfo{}, thresholds(t))
	if verdict.ContentType != store.ContentMovie || verdict.NeedsReview {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestClassifyFeatureWithoutDominanceNeedsReview(t *testing.T) {
	// Two feature-length cuts: neither dominates the disc.
	durations := []float64{7200, 7300}
	verdict := identification.Classify(durations, identification.LabelInfo{}, thresholds(t))
	if verdict.ContentType != store.ContentMovie || !verdict.NeedsReview {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestClassifyTVLabelWithSmallCluster(t *testing.T) {
	// Only two episode-length titles: below the cluster minimum, but the
	// label says it is a season disc.
	durations := []float64{1440, 1460}
	label := identification.LabelInfo{IsTV: true, Usable: true, Title: "The Show", Season: 1}
	verdict := identification.Classify(durations, label, thresholds(t))
	if verdict.ContentType != store.ContentTV {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestClassifyNothingRecognizableNeedsReview(t *testing.T) {
	durations := []float64{300, 200, 450}
	verdict := identification.Classify(durations, identification.LabelInfo{}, thresholds(t))
	if verdict.ContentType != store.ContentUnknown || !verdict.NeedsReview {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestClassifyEmptyDisc(t *testing.T) {
	verdict := identification.Classify(nil, identification.LabelInfo{}, thresholds(t))
	if verdict.ContentType != store.ContentUnknown || !verdict.NeedsReview {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestDetectPlayAll(t *testing.T) {
	// Four episodes and a concatenation of all of them.
	durations := []float64{1440, 1450, 1445, 1442, 5777}
	playAll := identification.DetectPlayAll(durations, thresholds(t))
	if len(playAll) != 1 || playAll[0] != 4 {
		t.Fatalf("play-all indices = %v, want [4]", playAll)
	}
}

func TestDetectPlayAllAbsent(t *testing.T) {
	durations := []float64{1440, 1450, 1445, 1442, 90}
	if playAll := identification.DetectPlayAll(durations, thresholds(t)); len(playAll) != 0 {
		t.Fatalf("unexpected play-all indices: %v", playAll)
	}
}
