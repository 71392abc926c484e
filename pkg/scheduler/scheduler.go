package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/metrics"
	"github.com/psantana5/mediabot/pkg/models"
	"github.com/psantana5/mediabot/pkg/retry"
	"github.com/psantana5/mediabot/pkg/store"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrStopped         = errors.New("scheduler stopped")
)

// Executor runs a single attempt of a job. Implementations must return
// promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, job models.Job) (*models.JobResult, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, job models.Job) (*models.JobResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, job models.Job) (*models.JobResult, error) {
	return f(ctx, job)
}

// CompletionFunc receives the terminal snapshot of a job, exactly once
type CompletionFunc func(job models.Job)

// Config holds scheduler limits
type Config struct {
	Workers    int           // Max jobs running at once
	Backlog    int           // Max jobs waiting in the queue
	JobTimeout time.Duration // Wall clock budget per attempt
	Retry      retry.Policy
	// AbandonGrace bounds how long a timed out or cancelled executor may
	// take to return before its job is finished without it. The executor
	// keeps its worker slot until it actually returns.
	AbandonGrace time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		Backlog:      64,
		JobTimeout:   5 * time.Minute,
		Retry:        retry.DefaultPolicy(),
		AbandonGrace: 5 * time.Second,
	}
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Abandoned int   `json:"abandoned"` // executors still holding a slot after their job finished
	Capacity  int   `json:"capacity"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Retried   int64 `json:"retried"`
}

type entry struct {
	job    *models.Job
	onDone CompletionFunc
	ctx    context.Context
	cancel context.CancelFunc
	elem   *list.Element // backlog position while queued
}

// Scheduler owns jobs from submission to terminal state. Jobs leave the
// backlog in FIFO order and run on at most Config.Workers goroutines.
type Scheduler struct {
	cfg     Config
	exec    Executor
	store   store.Store
	metrics *metrics.Recorder
	logger  *logging.Logger
	tracer  trace.Tracer

	slots *semaphore.Weighted

	mu        sync.Mutex
	backlog   *list.List
	jobs      map[string]*entry
	running   int
	abandoned int
	stats     Stats
	started   bool
	stopped   bool

	wake       chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	workers    sync.WaitGroup
}

// Option configures optional collaborators
type Option func(*Scheduler)

// WithStore writes every job snapshot through to st
func WithStore(st store.Store) Option {
	return func(s *Scheduler) { s.store = st }
}

// WithMetrics records queue and job metrics
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. Call Start to begin dequeuing.
func New(cfg Config, exec Executor, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.AbandonGrace <= 0 {
		cfg.AbandonGrace = def.AbandonGrace
	}

	s := &Scheduler{
		cfg:      cfg,
		exec:     exec,
		store:    store.NewMemoryStore(),
		logger:   logging.NewLogger(logging.INFO, false),
		tracer:   otel.Tracer("github.com/psantana5/mediabot/pkg/scheduler"),
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		backlog:  list.New(),
		jobs:     make(map[string]*entry),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "scheduler")
	s.stats.Capacity = cfg.Workers
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.jobCtx, s.jobCancel = context.WithCancel(context.Background())
	return s
}

// Start launches the dispatch loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.logger.Info("Scheduler started", logging.Fields{
		"workers":     s.cfg.Workers,
		"backlog":     s.cfg.Backlog,
		"job_timeout": s.cfg.JobTimeout.String(),
	})
	go s.loop()
}

// Submit enqueues a job and returns its ID without waiting for execution.
// onDone, if non-nil, is called once with the terminal snapshot.
func (s *Scheduler) Submit(req models.JobRequest, onDone CompletionFunc) (string, error) {
	if !req.Kind.Valid() {
		return "", models.NewInputError("submit", fmt.Sprintf("unknown job kind %q", req.Kind), nil)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.backlog.Len() >= s.cfg.Backlog {
		s.stats.Rejected++
		s.mu.Unlock()
		s.metrics.JobRejected()
		return "", models.NewJobError(models.ErrorKindQueueFull, "submit",
			fmt.Sprintf("backlog limit %d reached", s.cfg.Backlog), nil)
	}

	job := &models.Job{
		ID:           uuid.NewString(),
		Kind:         req.Kind,
		Payload:      req.Payload,
		Conversation: req.Conversation,
		Status:       models.JobStatusQueued,
		CreatedAt:    time.Now(),
	}
	ctx, cancel := context.WithCancel(s.jobCtx)
	e := &entry{job: job, onDone: onDone, ctx: ctx, cancel: cancel}
	e.elem = s.backlog.PushBack(e)
	s.jobs[job.ID] = e
	s.stats.Submitted++
	snapshot := job.Clone()
	depth, running := s.backlog.Len(), s.running
	s.mu.Unlock()

	s.persist(snapshot)
	s.metrics.JobSubmitted(string(job.Kind))
	s.metrics.SetQueue(depth, running)
	s.logger.Debug("Job queued", logging.Fields{"job_id": job.ID, "kind": job.Kind, "queue_depth": depth})
	s.signal()
	return job.ID, nil
}

// Cancel stops a job. Queued jobs are cancelled immediately without ever
// reaching the executor; running jobs observe cancellation at their next
// checkpoint.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	e, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		if job, err := s.store.GetJob(jobID); err == nil && models.IsTerminalState(job.Status) {
			return ErrAlreadyTerminal
		}
		return ErrJobNotFound
	}

	if e.job.Status == models.JobStatusQueued {
		s.backlog.Remove(e.elem)
		e.elem = nil
		snapshot, ok := s.finishLocked(e, models.JobStatusCancelled, nil, models.ErrCancelled, "cancelled while queued")
		depth, running := s.backlog.Len(), s.running
		s.mu.Unlock()
		if ok {
			s.afterFinish(e, snapshot, depth, running)
		}
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("Cancelling running job", logging.Fields{"job_id": jobID})
	e.cancel()
	return nil
}

// Get returns a snapshot of a job
func (s *Scheduler) Get(jobID string) (models.Job, error) {
	s.mu.Lock()
	if e, ok := s.jobs[jobID]; ok {
		snapshot := e.job.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	s.mu.Unlock()

	job, err := s.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, err
	}
	return *job, nil
}

// Stats returns current counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = s.backlog.Len()
	st.Running = s.running
	st.Abandoned = s.abandoned
	return st
}

// Probe acquires a worker slot within ctx's deadline, runs nothing and
// releases it. It fails when the pool stays saturated or is stopped.
func (s *Scheduler) Probe(ctx context.Context) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return models.NewTimeoutError("probe", err)
	}
	s.slots.Release(1)
	return nil
}

// Stop rejects new submissions, cancels queued jobs and waits for running
// jobs until ctx is done, after which they are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	type cancelled struct {
		e        *entry
		snapshot models.Job
	}
	var queued []cancelled
	for el := s.backlog.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.elem = nil
		if snapshot, ok := s.finishLocked(e, models.JobStatusCancelled, nil, models.ErrCancelled, "scheduler stopping"); ok {
			queued = append(queued, cancelled{e, snapshot})
		}
	}
	s.backlog.Init()
	running := s.running
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler", logging.Fields{"cancelled_queued": len(queued), "running": running})
	for _, c := range queued {
		s.afterFinish(c.e, c.snapshot, 0, running)
	}

	s.loopCancel()
	if started {
		<-s.loopDone
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.jobCancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, cancelling running jobs")
		s.jobCancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-s.wake:
		}

		for s.hasQueued() {
			if err := s.slots.Acquire(s.loopCtx, 1); err != nil {
				return
			}
			e := s.dequeue()
			if e == nil {
				s.slots.Release(1)
				break
			}
			s.workers.Add(1)
			go s.run(e)
		}
	}
}

func (s *Scheduler) hasQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.Len() > 0
}

// dequeue pops the head of the backlog and marks it running
func (s *Scheduler) dequeue() *entry {
	s.mu.Lock()
	front := s.backlog.Front()
	if front == nil {
		s.mu.Unlock()
		return nil
	}
	e := s.backlog.Remove(front).(*entry)
	e.elem = nil
	if err := e.job.TransitionTo(models.JobStatusRunning, "worker slot acquired"); err != nil {
		s.mu.Unlock()
		s.logger.Error("Dequeued job in unexpected state", logging.Fields{"job_id": e.job.ID, "error": err})
		return nil
	}
	s.running++
	snapshot := e.job.Clone()
	depth, running := s.backlog.Len(), s.running
	s.mu.Unlock()

	s.persist(snapshot)
	s.metrics.SetQueue(depth, running)
	return e
}

// run drives one job through its attempts while holding a worker slot
func (s *Scheduler) run(e *entry) {
	defer s.workers.Done()
	var orphan <-chan attemptResult
	defer func() {
		if orphan == nil {
			s.slots.Release(1)
			return
		}
		s.holdSlot(orphan)
	}()

	s.mu.Lock()
	jobID, kind := e.job.ID, e.job.Kind
	s.mu.Unlock()

	ctx, span := s.tracer.Start(e.ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.kind", string(kind)),
	))
	defer span.End()

	log := s.logger.WithFields(logging.Fields{"job_id": jobID, "kind": kind})
	log.Info("Job started")

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		snapshot := e.job.Clone()
		s.mu.Unlock()

		result, stuck, err := s.attempt(ctx, snapshot, log)
		if stuck != nil {
			// never start another attempt beside one that is still running
			orphan = stuck
			if e.ctx.Err() != nil {
				s.finish(e, models.JobStatusCancelled, nil, models.ErrCancelled, "cancelled while running")
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.finish(e, models.JobStatusFailed, nil, err, fmt.Sprintf("attempt %d abandoned", attempt))
			return
		}
		if err == nil {
			span.SetStatus(codes.Ok, "")
			s.finish(e, models.JobStatusSucceeded, result, nil, "completed")
			return
		}
		if e.ctx.Err() != nil {
			s.finish(e, models.JobStatusCancelled, nil, models.ErrCancelled, "cancelled while running")
			return
		}

		decision := s.cfg.Retry.Decide(attempt, err)
		if !decision.Retry {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.finish(e, models.JobStatusFailed, nil, err, fmt.Sprintf("attempt %d failed", attempt))
			return
		}

		s.mu.Lock()
		e.job.RetryCount++
		e.job.ErrorKind = models.KindOf(err)
		e.job.Error = err.Error()
		retried := e.job.Clone()
		s.stats.Retried++
		s.mu.Unlock()
		s.persist(retried)
		s.metrics.JobRetried(string(kind), string(models.KindOf(err)))

		log.Warn("Attempt failed, retrying", logging.Fields{
			"attempt": attempt,
			"delay":   decision.Delay.String(),
			"error":   err,
		})

		timer := time.NewTimer(decision.Delay)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			s.finish(e, models.JobStatusCancelled, nil, models.ErrCancelled, "cancelled during backoff")
			return
		case <-timer.C:
		}
	}
}

type attemptResult struct {
	result *models.JobResult
	err    error
}

// attempt runs the executor under the per-attempt timeout. An executor
// that ignores its context is abandoned after AbandonGrace; the returned
// channel then yields once it finally returns.
func (s *Scheduler) attempt(ctx context.Context, job models.Job, log *logging.Logger) (*models.JobResult, <-chan attemptResult, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptResult{err: models.NewJobError(models.ErrorKindInternal, "execute", fmt.Sprintf("panic: %v", r), nil)}
			}
		}()
		res, err := s.exec.Execute(actx, job)
		ch <- attemptResult{result: res, err: err}
	}()

	var out attemptResult
	select {
	case out = <-ch:
	case <-actx.Done():
		grace := time.NewTimer(s.cfg.AbandonGrace)
		select {
		case out = <-ch:
			grace.Stop()
		case <-grace.C:
			log.Error("Executor ignored cancellation, abandoning attempt", logging.Fields{"grace": s.cfg.AbandonGrace.String()})
			return nil, ch, s.attemptError(ctx, actx, actx.Err())
		}
	}

	if out.err == nil {
		return out.result, nil, nil
	}
	return nil, nil, s.attemptError(ctx, actx, out.err)
}

// attemptError reports an expired attempt deadline as a TimeoutError
func (s *Scheduler) attemptError(ctx, actx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && models.KindOf(err) != models.ErrorKindTimeout {
		return models.NewTimeoutError("job", err)
	}
	return err
}

// holdSlot keeps an abandoned executor's worker slot until it returns
func (s *Scheduler) holdSlot(orphan <-chan attemptResult) {
	s.mu.Lock()
	s.abandoned++
	s.mu.Unlock()
	go func() {
		<-orphan
		s.mu.Lock()
		s.abandoned--
		s.mu.Unlock()
		s.slots.Release(1)
		s.logger.Warn("Abandoned executor returned, worker slot released")
	}()
}

// finish moves a job to a terminal state exactly once and fires its callback
func (s *Scheduler) finish(e *entry, status models.JobStatus, result *models.JobResult, err error, reason string) {
	s.mu.Lock()
	snapshot, ok := s.finishLocked(e, status, result, err, reason)
	depth, running := s.backlog.Len(), s.running
	s.mu.Unlock()
	if ok {
		s.afterFinish(e, snapshot, depth, running)
	}
}

// finishLocked applies the terminal transition. Callers hold s.mu.
func (s *Scheduler) finishLocked(e *entry, status models.JobStatus, result *models.JobResult, err error, reason string) (models.Job, bool) {
	job := e.job
	wasRunning := job.Status == models.JobStatusRunning
	if terr := job.TransitionTo(status, reason); terr != nil {
		s.logger.Error("Refusing invalid terminal transition", logging.Fields{"job_id": job.ID, "error": terr})
		return models.Job{}, false
	}
	job.Result = result
	if err != nil {
		job.ErrorKind = models.KindOf(err)
		job.Error = err.Error()
	} else {
		job.ErrorKind = ""
		job.Error = ""
	}
	if wasRunning {
		s.running--
	}
	delete(s.jobs, job.ID)
	switch status {
	case models.JobStatusSucceeded:
		s.stats.Succeeded++
	case models.JobStatusFailed:
		s.stats.Failed++
	case models.JobStatusCancelled:
		s.stats.Cancelled++
	}
	return job.Clone(), true
}

func (s *Scheduler) afterFinish(e *entry, snapshot models.Job, depth, running int) {
	e.cancel()
	s.persist(snapshot)
	s.metrics.JobFinished(string(snapshot.Kind), string(snapshot.Status), string(snapshot.ErrorKind), snapshot.Duration())
	s.metrics.SetQueue(depth, running)

	fields := logging.Fields{
		"job_id":   snapshot.ID,
		"kind":     snapshot.Kind,
		"status":   snapshot.Status,
		"retries":  snapshot.RetryCount,
		"duration": snapshot.Duration().String(),
	}
	if snapshot.Error != "" {
		fields["error_kind"] = snapshot.ErrorKind
		fields["error"] = snapshot.Error
	}
	if snapshot.Status == models.JobStatusFailed {
		s.logger.Warn("Job failed", fields)
	} else {
		s.logger.Info("Job finished", fields)
	}

	if e.onDone != nil {
		s.notify(e.onDone, snapshot)
	}
}

func (s *Scheduler) notify(fn CompletionFunc, job models.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Completion callback panicked", logging.Fields{"job_id": job.ID, "panic": fmt.Sprint(r)})
		}
	}()
	fn(job)
}

func (s *Scheduler) persist(job models.Job) {
	if err := s.store.SaveJob(job); err != nil {
		s.logger.Warn("Failed to persist job snapshot", logging.Fields{"job_id": job.ID, "error": err})
	}
}
