package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the job lifecycle state as exposed to API consumers.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// legalTransitions maps a target status onto the set of statuses a job may
// move from. Anything else is a bug in the caller and fails loudly.
var legalTransitions = map[Status][]Status{
	StatusProcessing: {StatusQueued},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing, StatusQueued},
	StatusQueued:     {StatusFailed},
}

// Job is the durable record of one transcode request.
type Job struct {
	ID              string     `json:"jobId"`
	OriginalKey     string     `json:"originalKey"`
	OutputKey       string     `json:"outputKey,omitempty"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	Resolutions     []string   `json:"resolutions"`
	VideoName       string     `json:"videoName"`
	Environment     string     `json:"environment"`
	CallbackURL     string     `json:"callbackUrl,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FileSize        int64      `json:"fileSize,omitempty"`
	DurationSeconds float64    `json:"durationSeconds,omitempty"`
}

// LogEntry is one line of a job's append-only history.
type LogEntry struct {
	JobID     string    `json:"jobId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Counts summarizes jobs per status for the stats endpoints.
type Counts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id           TEXT PRIMARY KEY,
	original_key     TEXT NOT NULL,
	output_key       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	progress         INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	resolutions      TEXT NOT NULL DEFAULT '[]',
	video_name       TEXT NOT NULL DEFAULT '',
	environment      TEXT NOT NULL DEFAULT 'production',
	callback_url     TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER,
	file_size        INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at);

CREATE TABLE IF NOT EXISTS job_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES jobs (job_id) ON DELETE CASCADE,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job_created ON job_logs (job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_job_logs_level ON job_logs (level);
`

// Store is the SQLite-backed job store. Safe for concurrent use; the
// connection pool and WAL mode allow readers alongside the single writer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the job database at dbPath. The pragmas
// ride in the DSN so they apply to every pooled connection.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping job store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create job store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new queued job.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	resolutions, err := json.Marshal(job.Resolutions)
	if err != nil {
		return fmt.Errorf("failed to encode resolutions: %w", err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, original_key, status, resolutions, video_name, environment, callback_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OriginalKey, StatusQueued, string(resolutions), job.VideoName, job.Environment, job.CallbackURL, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// ErrNotFound is returned by lookups for unknown job ids.
var ErrNotFound = sql.ErrNoRows

// GetJob fetches one job by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, original_key, output_key, status, progress, error_message,
		       resolutions, video_name, environment, callback_url,
		       created_at, started_at, completed_at, file_size, duration_seconds
		FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// GetJobWithLogs fetches a job together with its full log history.
func (s *Store) GetJobWithLogs(ctx context.Context, jobID string) (Job, []LogEntry, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, nil, err
	}
	logs, err := s.GetLogs(ctx, jobID)
	if err != nil {
		return Job{}, nil, err
	}
	return job, logs, nil
}

// UpdateStatus moves a job to status, enforcing the legal transition set with
// a single guarded UPDATE. Moving to processing stamps started_at; terminal
// statuses stamp completed_at; a retry back to queued resets progress and
// clears the error.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status Status) error {
	from, ok := legalTransitions[status]
	if !ok {
		return fmt.Errorf("unknown status %q", status)
	}
	args := []any{string(status)}
	set := "status = ?"
	now := time.Now().UTC().Unix()
	switch status {
	case StatusProcessing:
		set += ", started_at = ?"
		args = append(args, now)
	case StatusCompleted, StatusFailed:
		set += ", completed_at = ?"
		args = append(args, now)
	case StatusQueued:
		set += ", progress = 0, error_message = '', completed_at = NULL"
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = ? AND status IN (%s)", set, placeholders(len(from)))
	args = append(args, jobID)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update status of job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update status of job %s: %w", jobID, err)
	}
	if n == 0 {
		current, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return fmt.Errorf("cannot transition unknown job %s to %s", jobID, status)
		}
		return fmt.Errorf("illegal status transition for job %s: %s -> %s", jobID, current.Status, status)
	}
	return nil
}

// UpdateProgress sets the job's progress percentage. Callers may jump.
// Guarded like UpdateStatus: a lagging progress event for a job that already
// reached a terminal status must not mutate the finished row.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ? WHERE job_id = ? AND status IN (?, ?)`,
		progress, jobID, StatusQueued, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", jobID, err)
	}
	return s.guardRows(ctx, res, jobID, "update progress")
}

// SetError records the job's error message without touching its status. Valid
// on failed jobs too (the failure event lands after the status flip); only
// completed rows are frozen.
func (s *Store) SetError(ctx context.Context, jobID, message string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET error_message = ? WHERE job_id = ? AND status <> ?`,
		message, jobID, StatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to set error of job %s: %w", jobID, err)
	}
	return s.guardRows(ctx, res, jobID, "set error")
}

// guardRows turns a zero-row guarded UPDATE into a loud error naming the
// job's actual status.
func (s *Store) guardRows(ctx context.Context, res sql.Result, jobID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s of job %s: %w", op, jobID, err)
	}
	if n == 0 {
		current, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return fmt.Errorf("cannot %s of unknown job %s", op, jobID)
		}
		return fmt.Errorf("cannot %s of job %s in status %s", op, jobID, current.Status)
	}
	return nil
}

// CompleteJob finalizes a successful job: status, output key, size, duration
// and full progress in one statement, guarded like UpdateStatus.
func (s *Store) CompleteJob(ctx context.Context, jobID, outputKey string, size int64, durationSec float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, output_key = ?, file_size = ?, duration_seconds = ?,
		       progress = 100, completed_at = ?
		WHERE job_id = ? AND status = ?`,
		StatusCompleted, outputKey, size, durationSec, time.Now().UTC().Unix(), jobID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("illegal status transition for job %s: cannot complete a job that is not processing", jobID)
	}
	return nil
}

// List returns jobs newest-first with limit/offset paging.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, original_key, output_key, status, progress, error_message,
		       resolutions, video_name, environment, callback_url,
		       created_at, started_at, completed_at, file_size, duration_seconds
		FROM jobs ORDER BY created_at DESC, job_id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListByStatus returns all jobs in one status, newest-first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, original_key, output_key, status, progress, error_message,
		       resolutions, video_name, environment, callback_url,
		       created_at, started_at, completed_at, file_size, duration_seconds
		FROM jobs WHERE status = ? ORDER BY created_at DESC, job_id DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return scanJobs(rows)
}

// Recent returns the most recently created jobs.
func (s *Store) Recent(ctx context.Context, limit int) ([]Job, error) {
	return s.List(ctx, limit, 0)
}

// GetCounts tallies jobs per status.
func (s *Store) GetCounts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()
	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("failed to count jobs: %w", err)
		}
		switch Status(status) {
		case StatusQueued:
			c.Queued = n
		case StatusProcessing:
			c.Processing = n
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

// DeleteJob removes a job; the FK cascade removes its logs.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		s += "?"
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job          Job
		resolutions  string
		createdAt    int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
		statusStr    string
		outputKey    string
		errorMessage string
		videoName    string
		environment  string
		callbackURL  string
		fileSize     int64
		durationSecs float64
	)
	err := row.Scan(&job.ID, &job.OriginalKey, &outputKey, &statusStr, &job.Progress, &errorMessage,
		&resolutions, &videoName, &environment, &callbackURL,
		&createdAt, &startedAt, &completedAt, &fileSize, &durationSecs)
	if err != nil {
		return Job{}, err
	}
	job.OutputKey = outputKey
	job.Status = Status(statusStr)
	job.ErrorMessage = errorMessage
	job.VideoName = videoName
	job.Environment = environment
	job.CallbackURL = callbackURL
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.FileSize = fileSize
	job.DurationSeconds = durationSecs
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		job.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(resolutions), &job.Resolutions); err != nil {
		return Job{}, fmt.Errorf("failed to decode resolutions of job %s: %w", job.ID, err)
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
