package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/models"
	"github.com/psantana5/mediabot/pkg/store"
)

type countingCache struct{ purged int }

func (c *countingCache) Purge(context.Context) (int, error) {
	c.purged++
	return 2, nil
}

func finishedJob(id string, completed time.Time) models.Job {
	return models.Job{
		ID:          id,
		Kind:        models.JobKindTranscode,
		Status:      models.JobStatusSucceeded,
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}
}

func TestRunOnceEnforcesRetention(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	if err := st.SaveJob(finishedJob("old", now.Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveJob(finishedJob("new", now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveJob(models.Job{ID: "queued", Status: models.JobStatusQueued, CreatedAt: now.Add(-72 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.mp3")
	fresh := filepath.Join(dir, "fresh.mp3")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := now.Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	cache := &countingCache{}
	m := NewManager(Config{
		Enabled:           true,
		JobRetention:      24 * time.Hour,
		ArtifactRetention: time.Hour,
		ArtifactDirs:      []string{dir, filepath.Join(dir, "missing")},
	}, st, cache, logging.Discard())

	stats := m.RunOnce(context.Background())

	if stats.TotalJobsDeleted != 1 {
		t.Errorf("jobs deleted = %d, want 1", stats.TotalJobsDeleted)
	}
	if _, err := st.GetJob("old"); err == nil {
		t.Error("old finished job still present")
	}
	if _, err := st.GetJob("queued"); err != nil {
		t.Error("unfinished job must never be deleted")
	}
	if stats.TotalFilesRemoved != 1 {
		t.Errorf("files removed = %d, want 1", stats.TotalFilesRemoved)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale artifact not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh artifact removed")
	}
	if cache.purged != 1 || stats.TotalCachePurged != 2 {
		t.Errorf("cache purge not run: %+v", stats)
	}
}

func TestStartStopDisabled(t *testing.T) {
	m := NewManager(Config{Enabled: false}, nil, nil, logging.Discard())
	m.Start()
	m.Stop()
	if !m.GetStats().LastRun.IsZero() {
		t.Error("disabled manager ran a sweep")
	}
}

func TestStartRunsInitialSweep(t *testing.T) {
	cache := &countingCache{}
	m := NewManager(Config{Enabled: true, Interval: time.Hour}, nil, cache, logging.Discard())
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for m.GetStats().LastRun.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("initial sweep never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
