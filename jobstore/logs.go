package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddLog appends one entry to a job's history. Unknown job ids fail on the FK.
func (s *Store) AddLog(ctx context.Context, entry LogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, level, message, stage, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Level, entry.Message, entry.Stage, entry.Details, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to add log for job %s: %w", entry.JobID, err)
	}
	return nil
}

// GetLogs returns a job's full history, oldest-first.
func (s *Store) GetLogs(ctx context.Context, jobID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, level, message, stage, details, created_at
		FROM job_logs WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for job %s: %w", jobID, err)
	}
	return scanLogs(rows)
}

// GetRecentLogs returns the newest entries across all jobs.
func (s *Store) GetRecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, level, message, stage, details, created_at
		FROM job_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent logs: %w", err)
	}
	return scanLogs(rows)
}

// GetErrorLogs returns the newest error-level entries across all jobs.
func (s *Store) GetErrorLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, level, message, stage, details, created_at
		FROM job_logs WHERE level = 'error' ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get error logs: %w", err)
	}
	return scanLogs(rows)
}

func scanLogs(rows *sql.Rows) ([]LogEntry, error) {
	defer rows.Close()
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var createdAt int64
		if err := rows.Scan(&e.JobID, &e.Level, &e.Message, &e.Stage, &e.Details, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
