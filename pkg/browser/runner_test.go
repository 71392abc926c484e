package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/models"
)

// fakeLauncher tracks open sessions the way a real engine handle would
type fakeLauncher struct {
	mu       sync.Mutex
	opened   int
	open     int
	navigate func(ctx context.Context, url string) error
	evaluate func(ctx context.Context, script string) (string, error)
	html     string
}

func (l *fakeLauncher) NewSession(ctx context.Context) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened++
	l.open++
	return &fakeSession{l: l}, nil
}

func (l *fakeLauncher) Close(context.Context) error { return nil }

func (l *fakeLauncher) counts() (opened, open int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened, l.open
}

type fakeSession struct {
	l      *fakeLauncher
	closed bool
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	if s.l.navigate != nil {
		return s.l.navigate(ctx, url)
	}
	return nil
}

func (s *fakeSession) Evaluate(ctx context.Context, script string) (string, error) {
	if s.l.evaluate != nil {
		return s.l.evaluate(ctx, script)
	}
	return `"ok"`, nil
}

func (s *fakeSession) HTML(context.Context) (string, error) { return s.l.html, nil }

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (s *fakeSession) Close(context.Context) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.l.open--
	}
	return nil
}

func hang(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func newRunner(l Launcher, step time.Duration, opts ...RunnerOption) *Runner {
	opts = append(opts, WithRunnerLogger(logging.Discard()))
	return NewRunner(l, step, opts...)
}

func TestFetchReturnsHTMLAndClosesSession(t *testing.T) {
	l := &fakeLauncher{html: "<html><body>menu</body></html>"}
	r := newRunner(l, time.Second)

	res, err := r.Fetch(context.Background(), Task{Target: "https://example.com/menu"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Content) != l.html || !res.Success {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, open := l.counts(); open != 0 {
		t.Errorf("open sessions = %d, want 0", open)
	}
}

func TestFetchScriptFailure(t *testing.T) {
	l := &fakeLauncher{evaluate: func(context.Context, string) (string, error) {
		return "", models.NewJobError(models.ErrorKindScript, "script", "script threw an exception", errors.New("ReferenceError"))
	}}
	r := newRunner(l, time.Second)

	_, err := r.Fetch(context.Background(), Task{Target: "https://example.com", Script: "missing()"})
	if !errors.Is(err, models.ErrScript) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if _, open := l.counts(); open != 0 {
		t.Errorf("session leaked after script failure")
	}
}

func TestFetchNavigationError(t *testing.T) {
	l := &fakeLauncher{navigate: func(context.Context, string) error {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}}
	r := newRunner(l, time.Second)

	_, err := r.Fetch(context.Background(), Task{Target: "https://nonexistent.invalid"})
	if !errors.Is(err, models.ErrNavigation) {
		t.Fatalf("expected NavigationError, got %v", err)
	}
	if !models.IsTransient(err) {
		t.Errorf("navigation errors should be transient")
	}
}

func TestFetchStepTimeout(t *testing.T) {
	l := &fakeLauncher{navigate: hang}
	r := newRunner(l, 100*time.Millisecond)

	start := time.Now()
	_, err := r.Fetch(context.Background(), Task{Target: "https://slow.example.com"})
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("step timeout not enforced")
	}
	if _, open := l.counts(); open != 0 {
		t.Errorf("session leaked after timeout")
	}
}

func TestFetchCancelledMidStep(t *testing.T) {
	l := &fakeLauncher{navigate: hang}
	r := newRunner(l, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Fetch(ctx, Task{Target: "https://slow.example.com"})
	if models.KindOf(err) != models.ErrorKindCancelled {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, open := l.counts(); open != 0 {
		t.Errorf("session leaked after cancellation")
	}
}

func TestFetchRejectsInvalidTarget(t *testing.T) {
	l := &fakeLauncher{}
	r := newRunner(l, time.Second)

	for _, target := range []string{"", "not a url", "ftp://example.com", "file:///etc/passwd", "javascript:alert(1)"} {
		if _, err := r.Fetch(context.Background(), Task{Target: target}); !errors.Is(err, models.ErrInput) {
			t.Errorf("Fetch(%q) error = %v, want InputError", target, err)
		}
	}
	if opened, _ := l.counts(); opened != 0 {
		t.Errorf("sessions opened for invalid targets: %d", opened)
	}
}

func TestFetchUsesCacheForRepeatTasks(t *testing.T) {
	l := &fakeLauncher{html: "<p>today</p>"}
	r := newRunner(l, time.Second, WithCache(NewMemoryCache(time.UTC, 10)))
	task := Task{Target: "https://example.com/menu"}

	first, err := r.Fetch(context.Background(), task)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := r.Fetch(context.Background(), task)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if opened, _ := l.counts(); opened != 1 {
		t.Errorf("sessions opened = %d, want 1", opened)
	}
	if first.FromCache || !second.FromCache {
		t.Errorf("FromCache flags wrong: first=%v second=%v", first.FromCache, second.FromCache)
	}

	// Results are never shared between callers
	second.Content[0] = 'X'
	third, _ := r.Fetch(context.Background(), task)
	if string(third.Content) != "<p>today</p>" {
		t.Errorf("cached content mutated through a previous result: %q", third.Content)
	}

	if _, err := r.Fetch(context.Background(), Task{Target: task.Target, Screenshot: true}); err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if opened, _ := l.counts(); opened != 2 {
		t.Errorf("screenshots must bypass the cache, sessions opened = %d", opened)
	}
}
