package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/mediabot/pkg/auth"
	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/metrics"
	"github.com/psantana5/mediabot/pkg/ratelimit"
	"github.com/psantana5/mediabot/pkg/tracing"
)

// Config controls the routes exposed on the main port
type Config struct {
	ProbeTimeout       time.Duration
	Version            string
	HostInfo           bool
	WebhookEnabled     bool
	WebhookPath        string
	WebhookSecret      string // plain or bcrypt hash; empty disables auth
	WebhookRatePerMin  int
	WebhookMaxBodySize int64
}

// Deps are the collaborators behind the routes
type Deps struct {
	Prober   Prober
	Payloads PayloadHandler // required when the webhook is enabled
	Metrics  *metrics.Recorder
	Tracing  *tracing.Provider
	Logger   *logging.Logger
}

// NewRouter builds the control endpoint router
func NewRouter(cfg Config, deps Deps) *mux.Router {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}
	if cfg.WebhookMaxBodySize <= 0 {
		cfg.WebhookMaxBodySize = 1 << 20
	}
	if cfg.WebhookRatePerMin <= 0 {
		cfg.WebhookRatePerMin = 120
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithField("component", "api")

	r := mux.NewRouter()
	if deps.Tracing != nil {
		r.Use(tracing.HTTPMiddleware(deps.Tracing))
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Handle("/health", &HealthHandler{
		prober:       deps.Prober,
		probeTimeout: cfg.ProbeTimeout,
		version:      cfg.Version,
		started:      time.Now(),
		hostInfo:     cfg.HostInfo,
		logger:       logger,
	}).Methods(http.MethodGet, http.MethodHead)

	if cfg.WebhookEnabled && deps.Payloads != nil {
		var h http.Handler = &WebhookHandler{
			handler:      deps.Payloads,
			maxBodyBytes: cfg.WebhookMaxBodySize,
			logger:       logger,
		}
		h = auth.NewSecretVerifier(cfg.WebhookSecret).Middleware(h)
		h = ratelimit.PerMinute(cfg.WebhookRatePerMin).Middleware(ratelimit.IPKeyFunc)(h)
		r.Handle(cfg.WebhookPath, h).Methods(http.MethodPost)
		logger.Info("Webhook route enabled", logging.Fields{"path": cfg.WebhookPath})
	}

	return r
}

// NewMetricsRouter serves Prometheus metrics
func NewMetricsRouter(m *metrics.Recorder) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return r
}

// NewServer wraps a handler in an http.Server with conservative timeouts
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
