package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/psantana5/mediabot/pkg/logging"
)

// Config defines retention policies and the sweep interval
type Config struct {
	Enabled           bool
	JobRetention      time.Duration // Finished jobs older than this are deleted from the store
	ArtifactRetention time.Duration // Undelivered artifacts older than this are removed
	Interval          time.Duration
	ArtifactDirs      []string
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		JobRetention:      7 * 24 * time.Hour,
		ArtifactRetention: time.Hour,
		Interval:          10 * time.Minute,
	}
}

// JobStore deletes finished jobs
type JobStore interface {
	DeleteFinishedBefore(cutoff time.Time) (int, error)
}

// CachePurger drops stale cache entries
type CachePurger interface {
	Purge(ctx context.Context) (int, error)
}

// Stats tracks cleanup runs
type Stats struct {
	LastRun           time.Time     `json:"last_run"`
	LastDuration      time.Duration `json:"last_duration"`
	TotalJobsDeleted  int64         `json:"total_jobs_deleted"`
	TotalFilesRemoved int64         `json:"total_files_removed"`
	TotalCachePurged  int64         `json:"total_cache_purged"`
}

// Manager periodically enforces retention on the job store, the artifact
// directories and the fetch cache
type Manager struct {
	config Config
	store  JobStore
	cache  CachePurger
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a cleanup manager. store and cache may be nil.
func NewManager(config Config, store JobStore, cache CachePurger, logger *logging.Logger) *Manager {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		store:  store,
		cache:  cache,
		logger: logger.WithField("component", "cleanup"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic sweep
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}
	m.logger.Info("Starting cleanup manager", logging.Fields{
		"job_retention":      m.config.JobRetention.String(),
		"artifact_retention": m.config.ArtifactRetention.String(),
		"interval":           m.config.Interval.String(),
	})

	m.wg.Add(1)
	go m.loop()
}

// Stop gracefully stops the cleanup manager
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Debug("Cleanup manager stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Leftovers from a previous run are swept right away
	m.RunOnce(m.ctx)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(m.ctx)
		}
	}
}

// RunOnce performs one sweep and returns the updated stats
func (m *Manager) RunOnce(ctx context.Context) Stats {
	start := time.Now()
	var jobs, files, purged int

	if m.store != nil && m.config.JobRetention > 0 {
		n, err := m.store.DeleteFinishedBefore(start.Add(-m.config.JobRetention))
		if err != nil {
			m.logger.Error("Job cleanup failed", logging.Fields{"error": err.Error()})
		}
		jobs = n
	}

	if m.config.ArtifactRetention > 0 {
		cutoff := start.Add(-m.config.ArtifactRetention)
		for _, dir := range m.config.ArtifactDirs {
			files += m.sweepDir(dir, cutoff)
		}
	}

	if m.cache != nil {
		n, err := m.cache.Purge(ctx)
		if err != nil {
			m.logger.Warn("Cache purge failed", logging.Fields{"error": err.Error()})
		}
		purged = n
	}

	d := time.Since(start)
	m.mu.Lock()
	m.stats.LastRun = start
	m.stats.LastDuration = d
	m.stats.TotalJobsDeleted += int64(jobs)
	m.stats.TotalFilesRemoved += int64(files)
	m.stats.TotalCachePurged += int64(purged)
	stats := m.stats
	m.mu.Unlock()

	if jobs+files+purged > 0 {
		m.logger.Info("Cleanup complete", logging.Fields{
			"jobs_deleted":  jobs,
			"files_removed": files,
			"cache_purged":  purged,
			"duration":      d.String(),
		})
	}
	return stats
}

// sweepDir removes regular files in dir last modified before cutoff
func (m *Manager) sweepDir(dir string, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("Cannot read artifact directory", logging.Fields{"dir": dir, "error": err.Error()})
		}
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove stale artifact", logging.Fields{"path": path, "error": err.Error()})
			continue
		}
		removed++
	}
	return removed
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
