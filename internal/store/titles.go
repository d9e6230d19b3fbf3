package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const titleColumns = `id, job_id, created_at, updated_at, title_index,
	duration_seconds, expected_bytes, chapter_count, resolution, is_selected,
	is_extra, state, matched_episode, confidence, match_details, edition,
	output_filename, organized_to`

func scanTitle(row interface{ Scan(...any) error }) (*Title, error) {
	var (
		title      Title
		isSelected int
		isExtra    int
	)
	err := row.Scan(
		&title.ID, &title.JobID, &title.CreatedAt, &title.UpdatedAt,
		&title.TitleIndex, &title.DurationSeconds, &title.ExpectedBytes,
		&title.ChapterCount, &title.Resolution, &isSelected, &isExtra,
		&title.State, &title.MatchedEpisode, &title.Confidence,
		&title.MatchDetails, &title.Edition, &title.OutputFilename,
		&title.OrganizedTo,
	)
	if err != nil {
		return nil, err
	}
	title.IsSelected = isSelected != 0
	title.IsExtra = isExtra != 0
	return &title, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func createTitle(ctx context.Context, q querier, title *Title) error {
	now := time.Now().UTC()
	title.CreatedAt = now
	title.UpdatedAt = now
	if title.State == "" {
		title.State = TitlePending
	}
	result, err := q.ExecContext(ctx, `
		INSERT INTO disc_titles (job_id, created_at, updated_at, title_index,
			duration_seconds, expected_bytes, chapter_count, resolution,
			is_selected, is_extra, state, matched_episode, confidence,
			match_details, edition, output_filename, organized_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		title.JobID, title.CreatedAt, title.UpdatedAt, title.TitleIndex,
		title.DurationSeconds, title.ExpectedBytes, title.ChapterCount,
		title.Resolution, boolToInt(title.IsSelected), boolToInt(title.IsExtra),
		title.State, title.MatchedEpisode, title.Confidence,
		title.MatchDetails, title.Edition, title.OutputFilename,
		title.OrganizedTo,
	)
	if err != nil {
		return fmt.Errorf("insert title: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("title insert id: %w", err)
	}
	title.ID = id
	return nil
}

func getTitle(ctx context.Context, q querier, id int64) (*Title, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+titleColumns+" FROM disc_titles WHERE id = ?", id)
	title, err := scanTitle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get title %d: %w", id, err)
	}
	return title, nil
}

func listTitles(ctx context.Context, q querier, jobID int64) ([]*Title, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+titleColumns+" FROM disc_titles WHERE job_id = ? ORDER BY title_index",
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list titles for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var titles []*Title
	for rows.Next() {
		title, err := scanTitle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		titles = append(titles, title)
	}
	return titles, rows.Err()
}

func updateTitle(ctx context.Context, q querier, title *Title) error {
	title.UpdatedAt = time.Now().UTC()
	result, err := q.ExecContext(ctx, `
		UPDATE disc_titles SET updated_at = ?, title_index = ?,
			duration_seconds = ?, expected_bytes = ?, chapter_count = ?,
			resolution = ?, is_selected = ?, is_extra = ?, state = ?,
			matched_episode = ?, confidence = ?, match_details = ?,
			edition = ?, output_filename = ?, organized_to = ?
		WHERE id = ?`,
		title.UpdatedAt, title.TitleIndex, title.DurationSeconds,
		title.ExpectedBytes, title.ChapterCount, title.Resolution,
		boolToInt(title.IsSelected), boolToInt(title.IsExtra), title.State,
		title.MatchedEpisode, title.Confidence, title.MatchDetails,
		title.Edition, title.OutputFilename, title.OrganizedTo, title.ID,
	)
	if err != nil {
		return fmt.Errorf("update title %d: %w", title.ID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("update title %d: no such title", title.ID)
	}
	return nil
}

// Store-level wrappers.

func (s *Store) CreateTitle(ctx context.Context, title *Title) error {
	return createTitle(ctx, s.db, title)
}

// CreateTitles inserts a batch of titles atomically.
func (s *Store) CreateTitles(ctx context.Context, titles []*Title) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, title := range titles {
			if err := createTitle(ctx, tx.q, title); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTitle returns (nil, nil) when the title does not exist.
func (s *Store) GetTitle(ctx context.Context, id int64) (*Title, error) {
	return getTitle(ctx, s.db, id)
}

func (s *Store) ListTitles(ctx context.Context, jobID int64) ([]*Title, error) {
	return listTitles(ctx, s.db, jobID)
}

func (s *Store) UpdateTitle(ctx context.Context, title *Title) error {
	return updateTitle(ctx, s.db, title)
}

// Tx-level wrappers.

func (t *Tx) CreateTitle(ctx context.Context, title *Title) error {
	return createTitle(ctx, t.q, title)
}

func (t *Tx) GetTitle(ctx context.Context, id int64) (*Title, error) {
	return getTitle(ctx, t.q, id)
}

func (t *Tx) ListTitles(ctx context.Context, jobID int64) ([]*Title, error) {
	return listTitles(ctx, t.q, jobID)
}

func (t *Tx) UpdateTitle(ctx context.Context, title *Title) error {
	return updateTitle(ctx, t.q, title)
}
