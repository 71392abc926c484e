// Package keepalive pings the bot's own public health URL so that hosting
// platforms which idle inactive services keep it running.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/psantana5/mediabot/pkg/logging"
)

// Status represents how recent pings went
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

// String returns string representation of the status
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Config controls the pinger
type Config struct {
	URL         string
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int // Consecutive failures before the status turns unhealthy
}

// Pinger periodically requests a URL and tracks the outcome
type Pinger struct {
	cfg    Config
	client *http.Client
	logger *logging.Logger

	mu                  sync.RWMutex
	lastSuccess         time.Time
	consecutiveFailures int
	totalFailures       int64
	totalPings          int64
}

// New creates a pinger. A nil client gets a default one.
func New(cfg Config, client *http.Client, logger *logging.Logger) (*Pinger, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("keepalive URL is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 180 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pinger{
		cfg:    cfg,
		client: client,
		logger: logger.WithField("component", "keepalive"),
	}, nil
}

// Run pings every interval until ctx ends
func (p *Pinger) Run(ctx context.Context) {
	p.logger.Info("Keepalive started", logging.Fields{"url": p.cfg.URL, "interval": p.cfg.Interval.String()})
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Ping(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("Keepalive ping failed", logging.Fields{"error": err.Error()})
			}
		}
	}
}

// Ping performs one request and records the result
func (p *Pinger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err := p.get(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalPings++
	if err != nil {
		p.consecutiveFailures++
		p.totalFailures++
		return err
	}
	p.consecutiveFailures = 0
	p.lastSuccess = time.Now()
	return nil
}

func (p *Pinger) get(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create keepalive request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("keepalive request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("keepalive returned status %d", resp.StatusCode)
	}
	return nil
}

// Status summarizes recent pings
func (p *Pinger) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.consecutiveFailures == 0:
		return StatusHealthy
	case p.consecutiveFailures < p.cfg.MaxFailures:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// LastSuccess returns the time of the last successful ping
func (p *Pinger) LastSuccess() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSuccess
}
