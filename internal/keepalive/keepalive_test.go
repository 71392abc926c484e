package keepalive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/mediabot/pkg/logging"
)

func TestPingTracksStatus(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, MaxFailures: 2}, nil, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if p.Status() != StatusHealthy || p.LastSuccess().IsZero() {
		t.Errorf("status = %s after success", p.Status())
	}

	fail.Store(true)
	_ = p.Ping(context.Background())
	if p.Status() != StatusDegraded {
		t.Errorf("status = %s after one failure", p.Status())
	}
	_ = p.Ping(context.Background())
	if p.Status() != StatusUnhealthy {
		t.Errorf("status = %s after two failures", p.Status())
	}

	fail.Store(false)
	_ = p.Ping(context.Background())
	if p.Status() != StatusHealthy {
		t.Errorf("status = %s after recovery", p.Status())
	}
}

func TestRunPingsOnInterval(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, Interval: 10 * time.Millisecond}, nil, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if hits.Load() < 2 {
		t.Errorf("expected at least 2 pings, got %d", hits.Load())
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Error("expected error for empty URL")
	}
}
