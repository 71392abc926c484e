package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/mediabot/pkg/models"
)

// dialect captures the few differences between SQLite and PostgreSQL
type dialect struct {
	name         string
	numberedArgs bool // PostgreSQL uses $1, $2 placeholders
}

// sqlStore is the shared database/sql implementation behind SQLiteStore
// and PostgreSQLStore
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	target TEXT NOT NULL,
	format TEXT,
	platform TEXT,
	channel_id TEXT,
	user_id TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT,
	error TEXT,
	created_at BIGINT NOT NULL,
	completed_at BIGINT,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
`

func (s *sqlStore) initSchema() error {
	for _, stmt := range strings.Split(jobsSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numberedArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveJob upserts a job snapshot
func (s *sqlStore) SaveJob(job models.Job) error {
	job = persistable(job)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	var completedAt sql.NullInt64
	if job.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: job.CompletedAt.UnixNano(), Valid: true}
	}

	query := s.rebind(`
		INSERT INTO jobs (id, kind, status, target, format, platform, channel_id, user_id,
			retry_count, error_kind, error, created_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			error_kind = excluded.error_kind,
			error = excluded.error,
			completed_at = excluded.completed_at,
			data = excluded.data`)

	_, err = s.db.Exec(query,
		job.ID, string(job.Kind), string(job.Status), job.Payload.Target, job.Payload.Format,
		job.Conversation.Platform, job.Conversation.ChannelID, job.Conversation.UserID,
		job.RetryCount, string(job.ErrorKind), job.Error, job.CreatedAt.UnixNano(), completedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(id string) (*models.Job, error) {
	var data string
	err := s.db.QueryRow(s.rebind(`SELECT data FROM jobs WHERE id = ?`), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns matching jobs, newest first
func (s *sqlStore) ListJobs(filter ListFilter) ([]models.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := "SELECT data FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteFinishedBefore removes terminal jobs completed before cutoff
func (s *sqlStore) DeleteFinishedBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(s.rebind(`
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`),
		string(models.JobStatusSucceeded), string(models.JobStatusFailed), string(models.JobStatusCancelled),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// HealthCheck pings the database
func (s *sqlStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
