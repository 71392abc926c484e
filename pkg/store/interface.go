package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/mediabot/pkg/models"
)

// ErrJobNotFound is returned when a job ID has no record
var ErrJobNotFound = errors.New("job not found")

// Store persists job snapshots for history and operator tooling.
// The scheduler writes through on every state change; nothing reads the
// store back to drive scheduling.
type Store interface {
	// SaveJob inserts or replaces the snapshot for job.ID
	SaveJob(job models.Job) error
	GetJob(id string) (*models.Job, error)
	ListJobs(filter ListFilter) ([]models.Job, error)
	// DeleteFinishedBefore removes terminal jobs completed before cutoff
	DeleteFinishedBefore(cutoff time.Time) (int, error)
	HealthCheck() error
	Close() error
}

// ListFilter narrows ListJobs. Zero values match everything.
type ListFilter struct {
	Status models.JobStatus
	Kind   models.JobKind
	UserID string
	Limit  int
}

func (f ListFilter) matches(job *models.Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Kind != "" && job.Kind != f.Kind {
		return false
	}
	if f.UserID != "" && job.Conversation.UserID != f.UserID {
		return false
	}
	return true
}

// Config selects and configures a backend
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // PostgreSQL connection string
	Path string // SQLite database file

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// persistable drops page bodies from a snapshot; history keeps metadata only
func persistable(job models.Job) models.Job {
	c := job.Clone()
	if c.Result != nil && c.Result.Browser != nil {
		c.Result.Browser.Content = nil
	}
	return c
}
