package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the bot's Prometheus collectors. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	jobsSubmitted  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobRetries     *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	runningJobs    prometheus.Gauge
	queueRejected  prometheus.Counter
	browserSteps   *prometheus.HistogramVec
	browserEngine  prometheus.Gauge
	encodeDuration *prometheus.HistogramVec
	deliveries     *prometheus.CounterVec
	commands       *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates a recorder backed by its own registry, including Go, process
// and build info collectors
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(versioncollector.NewCollector("mediabot"))

	r := &Recorder{
		registry: reg,
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabot_jobs_submitted_total",
			Help: "Jobs accepted into the queue",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabot_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		}, []string{"kind", "status", "error_kind"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabot_job_retries_total",
			Help: "Retried job attempts",
		}, []string{"kind", "error_kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediabot_job_duration_seconds",
			Help:    "Wall clock time from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind", "status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediabot_queue_depth",
			Help: "Jobs waiting in the backlog",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediabot_running_jobs",
			Help: "Jobs currently holding a worker slot",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediabot_queue_rejected_total",
			Help: "Submissions rejected because the backlog was full",
		}),
		browserSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediabot_browser_step_seconds",
			Help:    "Duration of browser session steps",
			Buckets: prometheus.DefBuckets,
		}, []string{"step", "outcome"}),
		browserEngine: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediabot_browser_sessions_active",
			Help: "Open browser sessions holding the engine",
		}),
		encodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediabot_encode_duration_seconds",
			Help:    "Encoder subprocess wall time",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"format", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabot_deliveries_total",
			Help: "Reply deliveries by outcome",
		}, []string{"transport", "outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabot_commands_total",
			Help: "Parsed chat commands",
		}, []string{"command"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabot_fetch_cache_lookups_total",
			Help: "Fetch cache lookups by result",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabot_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediabot_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	reg.MustRegister(
		r.jobsSubmitted, r.jobsFinished, r.jobRetries, r.jobDuration,
		r.queueDepth, r.runningJobs, r.queueRejected,
		r.browserSteps, r.browserEngine, r.encodeDuration,
		r.deliveries, r.commands, r.cacheLookups,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) JobSubmitted(kind string) {
	if r == nil {
		return
	}
	r.jobsSubmitted.WithLabelValues(kind).Inc()
}

func (r *Recorder) JobRejected() {
	if r == nil {
		return
	}
	r.queueRejected.Inc()
}

func (r *Recorder) JobRetried(kind, errorKind string) {
	if r == nil {
		return
	}
	r.jobRetries.WithLabelValues(kind, errorKind).Inc()
}

// JobFinished records a terminal state and, for started jobs, the run time
func (r *Recorder) JobFinished(kind, status, errorKind string, d time.Duration) {
	if r == nil {
		return
	}
	r.jobsFinished.WithLabelValues(kind, status, errorKind).Inc()
	if d > 0 {
		r.jobDuration.WithLabelValues(kind, status).Observe(d.Seconds())
	}
}

// SetQueue publishes the current backlog and running counts
func (r *Recorder) SetQueue(depth, running int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
	r.runningJobs.Set(float64(running))
}

func (r *Recorder) BrowserStep(step string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	r.browserSteps.WithLabelValues(step, outcome(ok)).Observe(d.Seconds())
}

func (r *Recorder) BrowserSessions(n int) {
	if r == nil {
		return
	}
	r.browserEngine.Set(float64(n))
}

func (r *Recorder) Encode(format string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	r.encodeDuration.WithLabelValues(format, outcome(ok)).Observe(d.Seconds())
}

func (r *Recorder) Delivery(transport string, ok bool) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(transport, outcome(ok)).Inc()
}

func (r *Recorder) Command(name string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(name).Inc()
}

func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and observes latency per route path
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		endpoint := req.URL.Path
		r.httpRequests.WithLabelValues(req.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
