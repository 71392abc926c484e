package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/models"
	"github.com/psantana5/mediabot/pkg/retry"
)

func newTestScheduler(t *testing.T, cfg Config, exec Executor) *Scheduler {
	t.Helper()
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.Policy{MaxRetries: 0}
	}
	s := New(cfg, exec, WithLogger(logging.Discard()))
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func request(target string) models.JobRequest {
	return models.JobRequest{
		Kind:         models.JobKindBrowserFetch,
		Payload:      models.JobPayload{Target: target},
		Conversation: models.ConversationContext{Platform: "test", ChannelID: "c", UserID: "u"},
	}
}

// collector gathers terminal snapshots and counts callbacks per job
type collector struct {
	mu    sync.Mutex
	calls map[string]int
	jobs  map[string]models.Job
	done  chan models.Job
}

func newCollector(buffer int) *collector {
	return &collector{
		calls: make(map[string]int),
		jobs:  make(map[string]models.Job),
		done:  make(chan models.Job, buffer),
	}
}

func (c *collector) onDone(job models.Job) {
	c.mu.Lock()
	c.calls[job.ID]++
	c.jobs[job.ID] = job
	c.mu.Unlock()
	c.done <- job
}

func (c *collector) wait(t *testing.T, n int, timeout time.Duration) []models.Job {
	t.Helper()
	var out []models.Job
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case job := <-c.done:
			out = append(out, job)
		case <-deadline:
			t.Fatalf("timed out waiting for %d jobs, got %d", n, len(out))
		}
	}
	return out
}

func waitRunning(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Stats().Running == n }, 2*time.Second, 5*time.Millisecond)
}

func TestRunningNeverExceedsWorkers(t *testing.T) {
	const workers = 3
	var current, peak int32

	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return &models.JobResult{}, nil
	})

	s := newTestScheduler(t, Config{Workers: workers, Backlog: 100, JobTimeout: time.Second}, exec)
	c := newCollector(30)

	for i := 0; i < 30; i++ {
		_, err := s.Submit(request("https://example.com"), c.onDone)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Stats().Running, workers)
	}

	jobs := c.wait(t, 30, 5*time.Second)
	for _, job := range jobs {
		assert.Equal(t, models.JobStatusSucceeded, job.Status)
	}
	assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), workers)
	assert.Equal(t, 0, s.Stats().Running)
}

func TestJobsStartInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		mu.Lock()
		order = append(order, job.Payload.Target)
		mu.Unlock()
		return &models.JobResult{}, nil
	})

	s := New(Config{Workers: 1, Backlog: 10, JobTimeout: time.Second}, exec, WithLogger(logging.Discard()))
	c := newCollector(5)
	targets := []string{"a", "b", "c", "d", "e"}
	for _, target := range targets {
		_, err := s.Submit(request(target), c.onDone)
		require.NoError(t, err)
	}
	s.Start()
	defer s.Stop(context.Background())

	c.wait(t, len(targets), 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, targets, order)
}

func TestEveryJobReachesExactlyOneTerminalState(t *testing.T) {
	var flaky int32
	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		switch job.Payload.Target {
		case "ok":
			return &models.JobResult{}, nil
		case "bad-input":
			return nil, models.NewInputError("probe", "not media", nil)
		case "flaky":
			if atomic.AddInt32(&flaky, 1) == 1 {
				return nil, models.NewJobError(models.ErrorKindNavigation, "navigate", "connection reset", nil)
			}
			return &models.JobResult{}, nil
		case "block":
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, errors.New("unexpected target")
	})

	cfg := Config{
		Workers:    2,
		Backlog:    10,
		JobTimeout: 2 * time.Second,
		Retry:      retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2},
	}
	s := newTestScheduler(t, cfg, exec)
	c := newCollector(10)

	ids := map[string]string{}
	for _, target := range []string{"ok", "bad-input", "flaky", "block"} {
		id, err := s.Submit(request(target), c.onDone)
		require.NoError(t, err)
		ids[target] = id
	}

	require.Eventually(t, func() bool {
		job, err := s.Get(ids["block"])
		return err == nil && job.Status == models.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Cancel(ids["block"]))

	c.wait(t, 4, 3*time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	for target, id := range ids {
		assert.Equal(t, 1, c.calls[id], "callback count for %s", target)
	}
	assert.Equal(t, models.JobStatusSucceeded, c.jobs[ids["ok"]].Status)
	assert.Equal(t, models.JobStatusFailed, c.jobs[ids["bad-input"]].Status)
	assert.Equal(t, models.ErrorKindInput, c.jobs[ids["bad-input"]].ErrorKind)
	assert.Equal(t, 0, c.jobs[ids["bad-input"]].RetryCount)
	assert.Equal(t, models.JobStatusSucceeded, c.jobs[ids["flaky"]].Status)
	assert.Equal(t, 1, c.jobs[ids["flaky"]].RetryCount)
	assert.Equal(t, models.JobStatusCancelled, c.jobs[ids["block"]].Status)

	// Terminal jobs stay terminal
	assert.ErrorIs(t, s.Cancel(ids["ok"]), ErrAlreadyTerminal)
}

func TestCancelQueuedJobNeverExecutes(t *testing.T) {
	release := make(chan struct{})
	var executed sync.Map

	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		executed.Store(job.ID, true)
		<-release
		return &models.JobResult{}, nil
	})

	s := newTestScheduler(t, Config{Workers: 1, Backlog: 5, JobTimeout: 5 * time.Second}, exec)
	c := newCollector(2)

	first, err := s.Submit(request("first"), c.onDone)
	require.NoError(t, err)
	waitRunning(t, s, 1)

	queued, err := s.Submit(request("second"), c.onDone)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(queued))

	job := c.wait(t, 1, time.Second)[0]
	assert.Equal(t, queued, job.ID)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, 0, s.Stats().Queued)

	close(release)
	done := c.wait(t, 1, time.Second)[0]
	assert.Equal(t, first, done.ID)

	_, ran := executed.Load(queued)
	assert.False(t, ran, "cancelled queued job reached the executor")
}

func TestBacklogOverflowReturnsQueueFull(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		<-release
		return &models.JobResult{}, nil
	})

	s := newTestScheduler(t, Config{Workers: 1, Backlog: 2, JobTimeout: 5 * time.Second}, exec)
	c := newCollector(3)

	_, err := s.Submit(request("running"), c.onDone)
	require.NoError(t, err)
	waitRunning(t, s, 1)

	for i := 0; i < 2; i++ {
		_, err := s.Submit(request("queued"), c.onDone)
		require.NoError(t, err)
	}

	_, err = s.Submit(request("overflow"), c.onDone)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrQueueFull)
	assert.Equal(t, int64(1), s.Stats().Rejected)

	close(release)
	jobs := c.wait(t, 3, 2*time.Second)
	for _, job := range jobs {
		assert.Equal(t, models.JobStatusSucceeded, job.Status)
	}
}

func TestJobTimeoutBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		var d time.Duration
		switch job.Payload.Target {
		case "one-second":
			d = time.Second
		default:
			d = time.Hour
		}
		select {
		case <-time.After(d):
			return &models.JobResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	s := newTestScheduler(t, Config{Workers: 2, Backlog: 5, JobTimeout: 5 * time.Second}, exec)
	c := newCollector(2)

	start := time.Now()
	fast, err := s.Submit(request("one-second"), c.onDone)
	require.NoError(t, err)
	hung, err := s.Submit(request("never-responds"), c.onDone)
	require.NoError(t, err)

	results := map[string]time.Duration{}
	statuses := map[string]models.Job{}
	for _, job := range c.wait(t, 2, 10*time.Second) {
		results[job.ID] = time.Since(start)
		statuses[job.ID] = job
	}

	assert.Equal(t, models.JobStatusSucceeded, statuses[fast].Status)
	assert.Equal(t, models.JobStatusFailed, statuses[hung].Status)
	assert.Equal(t, models.ErrorKindTimeout, statuses[hung].ErrorKind)
	assert.GreaterOrEqual(t, results[hung], 5*time.Second)
	assert.Less(t, results[hung], 7*time.Second)
}

func TestNonCooperativeExecutorIsAbandoned(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		time.Sleep(2 * time.Second)
		return &models.JobResult{}, nil
	})

	cfg := Config{Workers: 1, Backlog: 1, JobTimeout: 50 * time.Millisecond, AbandonGrace: 50 * time.Millisecond}
	s := newTestScheduler(t, cfg, exec)
	c := newCollector(1)

	start := time.Now()
	_, err := s.Submit(request("stuck"), c.onDone)
	require.NoError(t, err)

	job := c.wait(t, 1, time.Second)[0]
	assert.Equal(t, models.ErrorKindTimeout, job.ErrorKind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAbandonedExecutorKeepsItsSlot(t *testing.T) {
	var active, peak atomic.Int32
	stuckReturned := make(chan time.Time, 1)
	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer active.Add(-1)
		if job.Payload.Target == "stuck" {
			time.Sleep(500 * time.Millisecond)
			stuckReturned <- time.Now()
		}
		return &models.JobResult{}, nil
	})

	cfg := Config{Workers: 1, Backlog: 1, JobTimeout: 50 * time.Millisecond, AbandonGrace: 50 * time.Millisecond}
	s := newTestScheduler(t, cfg, exec)
	c := newCollector(2)

	stuckID, err := s.Submit(request("stuck"), c.onDone)
	require.NoError(t, err)
	waitRunning(t, s, 1)
	nextID, err := s.Submit(request("next"), c.onDone)
	require.NoError(t, err)

	first := c.wait(t, 1, time.Second)[0]
	assert.Equal(t, stuckID, first.ID)
	assert.Equal(t, models.ErrorKindTimeout, first.ErrorKind)
	require.Eventually(t, func() bool { return s.Stats().Abandoned == 1 }, 200*time.Millisecond, 5*time.Millisecond)

	second := c.wait(t, 1, 2*time.Second)[0]
	assert.Equal(t, nextID, second.ID)
	assert.Equal(t, models.JobStatusSucceeded, second.Status)
	require.NotNil(t, second.StartedAt)
	assert.False(t, second.StartedAt.Before(<-stuckReturned), "next job started while the abandoned executor was still running")

	assert.Equal(t, int32(1), peak.Load(), "more executors ran at once than there are workers")
	assert.Equal(t, 0, s.Stats().Abandoned)
}

func TestProbeReflectsSaturation(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		<-release
		return &models.JobResult{}, nil
	})

	s := newTestScheduler(t, Config{Workers: 1, Backlog: 5, JobTimeout: 5 * time.Second}, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	assert.NoError(t, s.Probe(ctx))
	cancel()

	_, err := s.Submit(request("busy"), nil)
	require.NoError(t, err)
	waitRunning(t, s, 1)

	ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	err = s.Probe(ctx)
	cancel()
	assert.ErrorIs(t, err, models.ErrTimeout)

	close(release)
	require.Eventually(t, func() bool { return s.Stats().Running == 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Probe(ctx))
}

func TestStopCancelsQueuedAndRejectsNew(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job models.Job) (*models.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s := New(Config{Workers: 1, Backlog: 5, JobTimeout: time.Minute}, exec, WithLogger(logging.Discard()))
	s.Start()
	c := newCollector(3)

	for i := 0; i < 3; i++ {
		_, err := s.Submit(request("work"), c.onDone)
		require.NoError(t, err)
	}
	waitRunning(t, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Stop(ctx)

	for _, job := range c.wait(t, 3, 2*time.Second) {
		assert.Equal(t, models.JobStatusCancelled, job.Status)
	}

	_, err := s.Submit(request("late"), nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	s := New(Config{}, ExecutorFunc(func(context.Context, models.Job) (*models.JobResult, error) { return nil, nil }),
		WithLogger(logging.Discard()))
	_, err := s.Submit(models.JobRequest{Kind: "teleport"}, nil)
	assert.ErrorIs(t, err, models.ErrInput)
}

func TestGetUnknownJob(t *testing.T) {
	s := New(Config{}, ExecutorFunc(func(context.Context, models.Job) (*models.JobResult, error) { return nil, nil }),
		WithLogger(logging.Discard()))
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, s.Cancel("nope"), ErrJobNotFound)
}
