package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/metrics"
	"github.com/psantana5/mediabot/pkg/models"
)

// Task is one browser job
type Task struct {
	Target     string
	Script     string // Optional; its result replaces the page HTML
	Screenshot bool   // Capture a full-page PNG instead of HTML
}

// Runner executes tasks in scoped sessions. Every step is bounded by
// StepTimeout in addition to the caller's context.
type Runner struct {
	launcher    Launcher
	stepTimeout time.Duration
	cache       Cache
	logger      *logging.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithCache serves repeat fetches of the same day from c
func WithCache(c Cache) RunnerOption {
	return func(r *Runner) { r.cache = c }
}

// WithRunnerMetrics records step durations
func WithRunnerMetrics(m *metrics.Recorder) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerLogger sets the logger
func WithRunnerLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner over launcher
func NewRunner(launcher Launcher, stepTimeout time.Duration, opts ...RunnerOption) *Runner {
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	r := &Runner{
		launcher:    launcher,
		stepTimeout: stepTimeout,
		logger:      logging.NewLogger(logging.INFO, false),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "browser")
	return r
}

// ValidateTarget accepts absolute http(s) URLs only
func ValidateTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", models.NewInputError("validate", "target must be an http(s) URL", err)
	}
	return u.String(), nil
}

// Fetch runs task in a fresh session and returns what it extracted. The
// session is closed on every exit path.
func (r *Runner) Fetch(ctx context.Context, task Task) (*models.BrowserResult, error) {
	target, err := ValidateTarget(task.Target)
	if err != nil {
		return nil, err
	}
	task.Target = target
	log := r.logger.WithField("target", target)

	if r.cache != nil && Cacheable(task) {
		cached, ok, err := r.cache.Get(ctx, task)
		if err != nil {
			log.Warn("Fetch cache lookup failed", logging.Fields{"error": err})
		}
		r.metrics.CacheLookup(ok)
		if ok {
			log.Debug("Serving fetch from cache")
			return cached, nil
		}
	}

	var sess Session
	err = r.step(ctx, "create", func(sctx context.Context) error {
		s, err := r.launcher.NewSession(sctx)
		sess = s
		return err
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		// Close must run even when ctx is already cancelled
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stepTimeout)
		defer cancel()
		start := time.Now()
		cerr := sess.Close(cctx)
		r.metrics.BrowserStep("close", cerr == nil, time.Since(start))
		if cerr != nil {
			log.Warn("Browser session close failed", logging.Fields{"error": cerr})
		}
	}()

	if err := r.step(ctx, "navigate", func(sctx context.Context) error {
		return sess.Navigate(sctx, target)
	}); err != nil {
		return nil, err
	}

	result := &models.BrowserResult{Target: target}

	switch {
	case task.Script != "":
		err = r.step(ctx, "script", func(sctx context.Context) error {
			out, err := sess.Evaluate(sctx, task.Script)
			result.ScriptOutput = out
			result.Content = []byte(out)
			result.ContentType = "application/json"
			return err
		})
	case task.Screenshot:
		err = r.step(ctx, "extract", func(sctx context.Context) error {
			png, err := sess.Screenshot(sctx)
			result.Content = png
			result.ContentType = "image/png"
			return err
		})
	default:
		err = r.step(ctx, "extract", func(sctx context.Context) error {
			html, err := sess.HTML(sctx)
			result.Content = []byte(html)
			result.ContentType = "text/html; charset=utf-8"
			return err
		})
	}
	if err != nil {
		return nil, err
	}

	result.Success = true
	result.CapturedAt = r.now()

	if r.cache != nil && Cacheable(task) {
		if err := r.cache.Set(ctx, task, result.Clone()); err != nil {
			log.Warn("Fetch cache store failed", logging.Fields{"error": err})
		}
	}
	log.Info("Fetch finished", logging.Fields{"bytes": len(result.Content), "content_type": result.ContentType})
	return result, nil
}

// step runs fn under the per-step timeout and maps its failure onto the
// error taxonomy
func (r *Runner) step(ctx context.Context, name string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	start := time.Now()
	err := fn(sctx)
	r.metrics.BrowserStep(name, err == nil, time.Since(start))
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("browser %s: %w", name, ctx.Err())
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return models.NewTimeoutError(name, fmt.Errorf("step exceeded %s", r.stepTimeout))
	}

	var je *models.JobError
	if errors.As(err, &je) {
		return err
	}
	switch name {
	case "create":
		return models.NewJobError(models.ErrorKindLaunch, name, "browser session could not be created", err)
	case "navigate":
		return models.NewJobError(models.ErrorKindNavigation, name, "page could not be loaded", err)
	case "script":
		return models.NewJobError(models.ErrorKindScript, name, "script failed", err)
	default:
		return models.NewJobError(models.ErrorKindInternal, name, "page content could not be extracted", err)
	}
}
