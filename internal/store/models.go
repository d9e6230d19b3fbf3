package store

import (
	"encoding/json"
	"time"
)

// JobState is the aggregate pipeline state of one disc job.
type JobState string

const (
	JobIdle         JobState = "idle"
	JobIdentifying  JobState = "identifying"
	JobRipping      JobState = "ripping"
	JobMatching     JobState = "matching"
	JobOrganizing   JobState = "organizing"
	JobReviewNeeded JobState = "review_needed"
	JobCompleted    JobState = "completed"
	JobFailed       JobState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TitleState is the lifecycle state of one video track.
type TitleState string

const (
	TitlePending   TitleState = "pending"
	TitleRipping   TitleState = "ripping"
	TitleMatching  TitleState = "matching"
	TitleMatched   TitleState = "matched"
	TitleReview    TitleState = "review"
	TitleCompleted TitleState = "completed"
	TitleFailed    TitleState = "failed"
)

func (s TitleState) Terminal() bool {
	return s == TitleCompleted || s == TitleFailed
}

// MatchTerminal reports whether the title no longer needs a match worker.
// Used by job completion detection, which finalizes once every title has
// settled into one of these.
func (s TitleState) MatchTerminal() bool {
	switch s {
	case TitleMatched, TitleReview, TitleCompleted, TitleFailed:
		return true
	}
	return false
}

// SubtitleStatus tracks per-job subtitle acquisition.
type SubtitleStatus string

const (
	SubtitleNone        SubtitleStatus = "none"
	SubtitleDownloading SubtitleStatus = "downloading"
	SubtitleCompleted   SubtitleStatus = "completed"
	SubtitlePartial     SubtitleStatus = "partial"
	SubtitleFailed      SubtitleStatus = "failed"
)

// Terminal reports whether the status is final. It may be reached at most
// once per job lifetime.
func (s SubtitleStatus) Terminal() bool {
	return s == SubtitleCompleted || s == SubtitlePartial || s == SubtitleFailed
}

// ContentType is the disc classification.
type ContentType string

const (
	ContentTV      ContentType = "tv"
	ContentMovie   ContentType = "movie"
	ContentUnknown ContentType = "unknown"
)

// Job represents processing of one inserted disc.
type Job struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Drive          string      `json:"drive"`
	DiscLabel      string      `json:"disc_label"`
	ContentType    ContentType `json:"content_type"`
	DetectedTitle  string      `json:"detected_title"`
	DetectedSeason *int        `json:"detected_season"`
	DiscNumber     int         `json:"disc_number"`
	StagingDir     string      `json:"staging_dir"`

	State             JobState `json:"state"`
	ProgressPercent   float64  `json:"progress_percent"`
	CurrentTitleIndex int      `json:"current_title_index"`
	TotalTitles       int      `json:"total_titles"`
	Speed             string   `json:"speed"`
	ETASeconds        int64    `json:"eta_seconds"`

	FinalPath      string         `json:"final_path"`
	ErrorMessage   string         `json:"error_message"`
	SubtitleStatus SubtitleStatus `json:"subtitle_status"`
}

// Title is one video track on a disc.
type Title struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TitleIndex      int     `json:"title_index"`
	DurationSeconds float64 `json:"duration_seconds"`
	ExpectedBytes   int64   `json:"expected_bytes"`
	ChapterCount    int     `json:"chapter_count"`
	Resolution      string  `json:"resolution"`

	IsSelected bool `json:"is_selected"`
	IsExtra    bool `json:"is_extra"`

	State TitleState `json:"state"`

	MatchedEpisode string  `json:"matched_episode"`
	Confidence     float64 `json:"confidence"`
	MatchDetails   string  `json:"match_details"`
	Edition        string  `json:"edition"`

	OutputFilename string `json:"output_filename"`
	OrganizedTo    string `json:"organized_to"`
}

// MatchDetailsPayload is the structured content of Title.MatchDetails.
type MatchDetailsPayload struct {
	Score          float64    `json:"score,omitempty"`
	VoteCount      int        `json:"vote_count,omitempty"`
	FileCoverage   float64    `json:"file_coverage,omitempty"`
	ScoreGap       float64    `json:"score_gap,omitempty"`
	RunnerUps      []RunnerUp `json:"runner_ups,omitempty"`
	NeedsReview    bool       `json:"needs_review,omitempty"`
	ConflictReason string     `json:"conflict_reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// RunnerUp is an alternative episode candidate from the matcher.
type RunnerUp struct {
	Episode string  `json:"episode"`
	Score   float64 `json:"score"`
}

// Details decodes the title's match-details blob. An empty or malformed
// blob yields the zero payload.
func (t *Title) Details() MatchDetailsPayload {
	var payload MatchDetailsPayload
	if t.MatchDetails == "" {
		return payload
	}
	_ = json.Unmarshal([]byte(t.MatchDetails), &payload)
	return payload
}

// SetDetails encodes payload into the title's match-details blob.
func (t *Title) SetDetails(payload MatchDetailsPayload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	t.MatchDetails = string(raw)
}
