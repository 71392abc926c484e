package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/metrics"
	"github.com/psantana5/mediabot/pkg/models"
)

// ChromeOptions configures the headless engine
type ChromeOptions struct {
	ExecPath      string // Empty lets chromedp search the usual locations
	Headless      bool
	NoSandbox     bool // Needed when running as root in containers
	UserAgent     string
	WindowWidth   int
	WindowHeight  int
	LaunchTimeout time.Duration
}

// browserCandidates are probed in order when no ExecPath is configured
var browserCandidates = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

// FindBrowser resolves the engine binary, failing when none is installed
func FindBrowser(execPath string) (string, error) {
	if execPath != "" {
		path, err := exec.LookPath(execPath)
		if err != nil {
			return "", fmt.Errorf("browser binary %q not found: %w", execPath, err)
		}
		return path, nil
	}
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no browser binary found (tried %s)", strings.Join(browserCandidates, ", "))
}

// ChromeLauncher shares one Chrome process between sessions. The process
// is reference counted: each open session holds one reference.
type ChromeLauncher struct {
	opts    ChromeOptions
	logger  *logging.Logger
	metrics *metrics.Recorder

	// start launches the engine; replaced in tests
	start func(ctx context.Context) (*engine, error)

	mu       sync.Mutex
	eng      *engine
	starting chan struct{} // non-nil while a launch is in flight
	refs     int
	closing  bool
	closed   chan struct{}
}

// engine is one running Chrome process
type engine struct {
	ctx        context.Context
	cancel     context.CancelFunc // stops the browser and its allocator
	profileDir string
}

// NewChromeLauncher creates a launcher; the engine starts lazily
func NewChromeLauncher(opts ChromeOptions, logger *logging.Logger, m *metrics.Recorder) *ChromeLauncher {
	if opts.WindowWidth <= 0 {
		opts.WindowWidth = 1280
	}
	if opts.WindowHeight <= 0 {
		opts.WindowHeight = 800
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	l := &ChromeLauncher{
		opts:    opts,
		logger:  logger.WithField("component", "browser"),
		metrics: m,
		closed:  make(chan struct{}),
	}
	l.start = l.launch
	return l
}

// NewSession opens a fresh browser context in the shared engine
func (l *ChromeLauncher) NewSession(ctx context.Context) (Session, error) {
	browserCtx, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx,
		chromedp.WithNewBrowserContext(),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			l.logger.Debug("chromedp: " + fmt.Sprintf(format, args...))
		}),
	)

	// The first Run on tabCtx itself creates the target; later steps use
	// derived contexts whose cancellation must not close the tab.
	if err := runBounded(ctx, func() error { return chromedp.Run(tabCtx) }); err != nil {
		cancelTab()
		l.release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewJobError(models.ErrorKindLaunch, "session", "failed to open browser context", err)
	}

	return &chromeSession{tabCtx: tabCtx, cancel: cancelTab, release: l.release}, nil
}

// runBounded runs fn but stops waiting once ctx is done
func runBounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire takes a reference on the engine, starting it when needed. The
// launch runs outside l.mu; concurrent callers wait for it bounded by their
// own ctx.
func (l *ChromeLauncher) acquire(ctx context.Context) (context.Context, error) {
	for {
		l.mu.Lock()
		if l.closing {
			l.mu.Unlock()
			return nil, ErrLauncherClosed
		}

		if wait := l.starting; wait != nil {
			l.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// A crashed engine is restarted once no session references it
		if l.eng != nil && l.eng.ctx.Err() != nil {
			if l.refs > 0 {
				err := l.eng.ctx.Err()
				l.mu.Unlock()
				return nil, models.NewJobError(models.ErrorKindLaunch, "launch", "browser engine exited", err)
			}
			l.logger.Warn("Browser engine exited, restarting")
			l.teardownLocked()
		}

		if l.eng != nil {
			l.refs++
			l.metrics.BrowserSessions(l.refs)
			browserCtx := l.eng.ctx
			l.mu.Unlock()
			return browserCtx, nil
		}

		done := make(chan struct{})
		l.starting = done
		l.mu.Unlock()

		eng, err := l.start(ctx)

		l.mu.Lock()
		l.starting = nil
		close(done)
		if l.closing {
			if eng != nil {
				l.stopEngine(eng)
			}
			if l.refs == 0 {
				l.markClosedLocked()
			}
			l.mu.Unlock()
			return nil, ErrLauncherClosed
		}
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.eng = eng
		l.refs++
		l.metrics.BrowserSessions(l.refs)
		l.mu.Unlock()
		return eng.ctx, nil
	}
}

// launch starts a Chrome process with a throwaway profile directory
func (l *ChromeLauncher) launch(ctx context.Context) (*engine, error) {
	profileDir, err := os.MkdirTemp("", "mediabot-chrome-")
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindLaunch, "launch", "failed to create profile dir", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.WindowSize(l.opts.WindowWidth, l.opts.WindowHeight),
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.DisableGPU,
	)
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	if l.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	lctx, cancel := context.WithTimeout(ctx, l.opts.LaunchTimeout)
	defer cancel()

	start := time.Now()
	err = runBounded(lctx, func() error { return chromedp.Run(browserCtx) })
	l.metrics.BrowserStep("launch", err == nil, time.Since(start))
	if err != nil {
		browserCancel()
		allocCancel()
		os.RemoveAll(profileDir)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.NewTimeoutError("launch", err)
		}
		return nil, models.NewJobError(models.ErrorKindLaunch, "launch", "failed to start browser", err)
	}

	l.logger.Info("Browser engine started", logging.Fields{"profile": profileDir, "startup": time.Since(start).String()})
	stop := func() {
		browserCancel()
		allocCancel()
	}
	return &engine{ctx: browserCtx, cancel: stop, profileDir: profileDir}, nil
}

func (l *ChromeLauncher) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs > 0 {
		l.refs--
	}
	l.metrics.BrowserSessions(l.refs)
	if l.refs == 0 && l.closing && l.starting == nil {
		l.teardownLocked()
		l.markClosedLocked()
	}
}

// teardownLocked stops the current engine, if any
func (l *ChromeLauncher) teardownLocked() {
	if l.eng == nil {
		return
	}
	l.stopEngine(l.eng)
	l.eng = nil
}

// stopEngine closes the browser and removes its profile directory
func (l *ChromeLauncher) stopEngine(e *engine) {
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = runBounded(cctx, func() error { return chromedp.Cancel(e.ctx) })
	cancel()
	e.cancel()
	if e.profileDir != "" {
		if err := os.RemoveAll(e.profileDir); err != nil {
			l.logger.Warn("Failed to remove browser profile", logging.Fields{"path": e.profileDir, "error": err})
		}
	}
	l.logger.Info("Browser engine stopped")
}

func (l *ChromeLauncher) markClosedLocked() {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
}

// Close tears the engine down after the last session closes. If ctx ends
// first the engine is killed regardless of open sessions. A launch still in
// flight is stopped by its caller once it returns.
func (l *ChromeLauncher) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	if l.refs == 0 && l.starting == nil {
		l.teardownLocked()
		l.markClosedLocked()
	}
	l.mu.Unlock()

	select {
	case <-l.closed:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.logger.Warn("Forcing browser shutdown with open sessions", logging.Fields{"sessions": l.refs})
		l.teardownLocked()
		l.markClosedLocked()
		l.mu.Unlock()
		return ctx.Err()
	}
}

// chromeSession is one isolated browser context (incognito-like)
type chromeSession struct {
	tabCtx  context.Context
	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

// derive ties a tab context to ctx's deadline and cancellation without
// letting its cancellation close the tab
func (s *chromeSession) derive(ctx context.Context) (context.Context, func()) {
	rctx, cancel := context.WithCancel(s.tabCtx)
	dcancel := context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		rctx, dcancel = context.WithDeadline(rctx, deadline)
	}
	stop := context.AfterFunc(ctx, cancel)
	return rctx, func() {
		stop()
		dcancel()
		cancel()
	}
}

func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, done := s.derive(ctx)
	defer done()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	rctx, done := s.derive(ctx)
	defer done()

	resp, err := chromedp.RunResponse(rctx, chromedp.Navigate(url))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.NewJobError(models.ErrorKindNavigation, "navigate", "page could not be loaded", err)
	}
	if resp != nil && resp.Status >= 400 {
		je := models.NewJobError(models.ErrorKindNavigation, "navigate",
			fmt.Sprintf("target returned HTTP %d", resp.Status), nil)
		je.Transient = resp.Status >= 500 || resp.Status == 429
		return je
	}
	return nil
}

func (s *chromeSession) Evaluate(ctx context.Context, script string) (string, error) {
	var raw []byte
	err := s.run(ctx, chromedp.Evaluate(script, &raw))
	if err != nil {
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return "", models.NewJobError(models.ErrorKindScript, "script", "script threw an exception", err)
		}
		return "", err
	}
	if len(raw) == 0 {
		return "undefined", nil
	}
	return string(raw), nil
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// quality 100 selects PNG encoding
	err := s.run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func (s *chromeSession) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = runBounded(ctx, func() error { return chromedp.Cancel(s.tabCtx) })
		s.cancel()
		s.release()
	})
	return err
}
