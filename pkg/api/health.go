package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/scheduler"
)

// Prober reports scheduler responsiveness
type Prober interface {
	Probe(ctx context.Context) error
	Stats() scheduler.Stats
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Uptime    string          `json:"uptime"`
	Version   string          `json:"version,omitempty"`
	Queue     scheduler.Stats `json:"queue"`
	Host      *HostInfo       `json:"host,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// HostInfo is a cheap snapshot of host load
type HostInfo struct {
	Load1         float64 `json:"load1"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
}

// HealthHandler serves the liveness probe
type HealthHandler struct {
	prober       Prober
	probeTimeout time.Duration
	version      string
	started      time.Time
	hostInfo     bool
	logger       *logging.Logger
}

// ServeHTTP returns 200 when a worker slot can be taken within the probe
// deadline and 503 otherwise
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.probeTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.version,
	}
	code := http.StatusOK

	if err := h.prober.Probe(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Error = "worker pool unresponsive"
		code = http.StatusServiceUnavailable
		h.logger.Warn("Health probe failed", logging.Fields{"error": err.Error()})
	}
	resp.Queue = h.prober.Stats()

	if h.hostInfo {
		resp.Host = hostInfo(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(resp)
	}
}

func hostInfo(ctx context.Context) *HostInfo {
	info := &HostInfo{}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryUsedPct = vm.UsedPercent
	}
	return info
}
