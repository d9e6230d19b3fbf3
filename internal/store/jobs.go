package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, created_at, updated_at, drive, disc_label, content_type,
	detected_title, detected_season, disc_number, staging_dir, state,
	progress_percent, current_title_index, total_titles, speed, eta_seconds,
	final_path, error_message, subtitle_status`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		job    Job
		season sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.CreatedAt, &job.UpdatedAt, &job.Drive, &job.DiscLabel,
		&job.ContentType, &job.DetectedTitle, &season, &job.DiscNumber,
		&job.StagingDir, &job.State, &job.ProgressPercent,
		&job.CurrentTitleIndex, &job.TotalTitles, &job.Speed, &job.ETASeconds,
		&job.FinalPath, &job.ErrorMessage, &job.SubtitleStatus,
	)
	if err != nil {
		return nil, err
	}
	if season.Valid {
		value := int(season.Int64)
		job.DetectedSeason = &value
	}
	return &job, nil
}

func nullableSeason(season *int) any {
	if season == nil {
		return nil
	}
	return *season
}

func createJob(ctx context.Context, q querier, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.State == "" {
		job.State = JobIdle
	}
	if job.ContentType == "" {
		job.ContentType = ContentUnknown
	}
	if job.SubtitleStatus == "" {
		job.SubtitleStatus = SubtitleNone
	}
	result, err := q.ExecContext(ctx, `
		INSERT INTO disc_jobs (created_at, updated_at, drive, disc_label,
			content_type, detected_title, detected_season, disc_number,
			staging_dir, state, progress_percent, current_title_index,
			total_titles, speed, eta_seconds, final_path, error_message,
			subtitle_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.CreatedAt, job.UpdatedAt, job.Drive, job.DiscLabel,
		job.ContentType, job.DetectedTitle, nullableSeason(job.DetectedSeason),
		job.DiscNumber, job.StagingDir, job.State, job.ProgressPercent,
		job.CurrentTitleIndex, job.TotalTitles, job.Speed, job.ETASeconds,
		job.FinalPath, job.ErrorMessage, job.SubtitleStatus,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("job insert id: %w", err)
	}
	job.ID = id
	return nil
}

func getJob(ctx context.Context, q querier, id int64) (*Job, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM disc_jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

func listJobs(ctx context.Context, q querier, limit int) ([]*Job, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM disc_jobs ORDER BY created_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func activeJobForDrive(ctx context.Context, q querier, drive string) (*Job, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+jobColumns+` FROM disc_jobs
		 WHERE drive = ? AND state NOT IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		drive, JobCompleted, JobFailed)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job for drive %s: %w", drive, err)
	}
	return job, nil
}

func updateJob(ctx context.Context, q querier, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	result, err := q.ExecContext(ctx, `
		UPDATE disc_jobs SET updated_at = ?, drive = ?, disc_label = ?,
			content_type = ?, detected_title = ?, detected_season = ?,
			disc_number = ?, staging_dir = ?, state = ?, progress_percent = ?,
			current_title_index = ?, total_titles = ?, speed = ?,
			eta_seconds = ?, final_path = ?, error_message = ?,
			subtitle_status = ?
		WHERE id = ?`,
		job.UpdatedAt, job.Drive, job.DiscLabel, job.ContentType,
		job.DetectedTitle, nullableSeason(job.DetectedSeason), job.DiscNumber,
		job.StagingDir, job.State, job.ProgressPercent, job.CurrentTitleIndex,
		job.TotalTitles, job.Speed, job.ETASeconds, job.FinalPath,
		job.ErrorMessage, job.SubtitleStatus, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("update job %d: no such job", job.ID)
	}
	return nil
}

func deleteJob(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM disc_titles WHERE job_id = ?", id); err != nil {
		return fmt.Errorf("delete titles for job %d: %w", id, err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM disc_jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

// Store-level wrappers.

func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	return createJob(ctx, s.db, job)
}

// GetJob returns (nil, nil) when the job does not exist.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return listJobs(ctx, s.db, limit)
}

// ActiveJobForDrive returns the newest non-terminal job on drive, or nil.
func (s *Store) ActiveJobForDrive(ctx context.Context, drive string) (*Job, error) {
	return activeJobForDrive(ctx, s.db, drive)
}

func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	return updateJob(ctx, s.db, job)
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return deleteJob(ctx, tx.q, id)
	})
}

// Tx-level wrappers.

func (t *Tx) CreateJob(ctx context.Context, job *Job) error {
	return createJob(ctx, t.q, job)
}

func (t *Tx) GetJob(ctx context.Context, id int64) (*Job, error) {
	return getJob(ctx, t.q, id)
}

func (t *Tx) ActiveJobForDrive(ctx context.Context, drive string) (*Job, error) {
	return activeJobForDrive(ctx, t.q, drive)
}

func (t *Tx) UpdateJob(ctx context.Context, job *Job) error {
	return updateJob(ctx, t.q, job)
}

func (t *Tx) DeleteJob(ctx context.Context, id int64) error {
	return deleteJob(ctx, t.q, id)
}
