package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CronRow is the persisted part of a cron job; the callback lives in memory.
type CronRow struct {
	ID         string
	IntervalMs int64
	RunMissed  bool
	LastRunAt  time.Time // zero when the job never ran
}

// UpsertCronJob writes interval and run-missed settings, preserving any
// persisted last_run_at so re-registration survives restarts.
func (s *Store) UpsertCronJob(ctx context.Context, id string, intervalMs int64, runMissed bool) error {
	missed := 0
	if runMissed {
		missed = 1
	}
	_, err := s.exec(ctx, `
		INSERT INTO _cron_jobs (id, interval_ms, run_missed, last_run_at)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT (id) DO UPDATE SET
			interval_ms = excluded.interval_ms,
			run_missed = excluded.run_missed
	`, id, intervalMs, missed)
	if err != nil {
		return fmt.Errorf("write cron job %s: %w", id, err)
	}
	return nil
}

// DeleteCronJob removes the persisted row for id.
func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM _cron_jobs WHERE id = ?`, id)
	return err
}

// GetCronJob returns the row for id, or nil when absent.
func (s *Store) GetCronJob(ctx context.Context, id string) (*CronRow, error) {
	row := s.queryRow(ctx, `
		SELECT id, interval_ms, run_missed, last_run_at FROM _cron_jobs WHERE id = ?
	`, id)
	job, err := scanCronRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron job %s: %w", id, err)
	}
	return job, nil
}

// ListCronJobs returns every persisted cron row.
func (s *Store) ListCronJobs(ctx context.Context) ([]*CronRow, error) {
	rows, err := s.query(ctx, `SELECT id, interval_ms, run_missed, last_run_at FROM _cron_jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*CronRow
	for rows.Next() {
		job, err := scanCronRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TouchCronJob records an execution. Called after every run, success or
// failure, so a permanently broken callback cannot retry-storm.
func (s *Store) TouchCronJob(ctx context.Context, id string, ranAt time.Time) error {
	_, err := s.exec(ctx, `UPDATE _cron_jobs SET last_run_at = ? WHERE id = ?`, ranAt, id)
	if err != nil {
		return fmt.Errorf("touch cron job %s: %w", id, err)
	}
	return nil
}

func scanCronRow(row rowScanner) (*CronRow, error) {
	var job CronRow
	var missed int
	var lastRun sql.NullTime
	if err := row.Scan(&job.ID, &job.IntervalMs, &missed, &lastRun); err != nil {
		return nil, err
	}
	job.RunMissed = missed != 0
	if lastRun.Valid {
		job.LastRunAt = lastRun.Time
	}
	return &job, nil
}
