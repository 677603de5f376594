// Package health exposes the worker pool status over HTTP and gRPC.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported in payloads and registered on the gRPC health server.
const ServiceName = "worker-service"

// StatsReporter is implemented by *queue.Queue.
type StatsReporter interface {
	Stats() queue.Stats
}

type workerStatus struct {
	Status      string  `json:"status"`
	Uptime      float64 `json:"uptime"`
	ActiveSlots int     `json:"activeSlots"`
	Concurrency int     `json:"concurrency"`
}

type healthResponse struct {
	Ready       bool         `json:"ready"`
	ActiveSlots int          `json:"activeSlots"`
	Uptime      float64      `json:"uptime"`
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	Timestamp   time.Time    `json:"timestamp"`
	Service     string       `json:"service"`
	Worker      workerStatus `json:"worker"`
}

type memoryUsage struct {
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapSys    uint64 `json:"heapSys"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numGC"`
	Goroutines int    `json:"goroutines"`
}

type statusResponse struct {
	healthResponse
	PID         int                        `json:"pid"`
	MemoryUsage memoryUsage                `json:"memoryUsage"`
	Jobs        map[string]queue.TypeStats `json:"jobs"`
}

// Handler serves /health, /status and /metrics for one worker pool.
type Handler struct {
	reporter StatsReporter
	gatherer prometheus.Gatherer
	logger   log.Logger
}

// NewHandler creates a Handler. gatherer may be nil, in which case /metrics is not served.
func NewHandler(reporter StatsReporter, gatherer prometheus.Gatherer, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{reporter: reporter, gatherer: gatherer, logger: logger}
}

// Router returns the routes of the health surface.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (h *Handler) snapshot() (healthResponse, queue.Stats) {
	stats := h.reporter.Stats()
	resp := healthResponse{
		Ready:       stats.Ready,
		ActiveSlots: stats.ActiveSlots,
		Uptime:      stats.Uptime.Seconds(),
		Success:     stats.Ready,
		Message:     "Worker service is healthy",
		Timestamp:   time.Now().UTC(),
		Service:     ServiceName,
		Worker: workerStatus{
			Status:      "running",
			Uptime:      stats.Uptime.Seconds(),
			ActiveSlots: stats.ActiveSlots,
			Concurrency: stats.Concurrency,
		},
	}
	if !stats.Ready {
		resp.Message = "Worker service is not ready"
		resp.Worker.Status = "not running"
	}
	return resp, stats
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp, stats := h.snapshot()
	h.write(w, code(stats.Ready), resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp, stats := h.snapshot()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.write(w, code(stats.Ready), statusResponse{
		healthResponse: resp,
		PID:            os.Getpid(),
		MemoryUsage: memoryUsage{
			HeapAlloc:  ms.HeapAlloc,
			HeapSys:    ms.HeapSys,
			Sys:        ms.Sys,
			NumGC:      ms.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		Jobs: stats.Types,
	})
}

func (h *Handler) write(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		_ = level.Warn(h.logger).Log("err", err)
	}
}

func code(ready bool) int {
	if ready {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// NewGRPCServer creates a gRPC health server with the worker service registered as NOT_SERVING.
func NewGRPCServer() *health.Server {
	srv := health.NewServer()
	srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return srv
}

// Sync mirrors the pool readiness onto the gRPC health server every interval
// until ctx is canceled, then marks everything as NOT_SERVING.
func Sync(ctx context.Context, srv *health.Server, reporter StatsReporter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if reporter.Stats().Ready {
			status = healthpb.HealthCheckResponse_SERVING
		}
		srv.SetServingStatus(ServiceName, status)
		srv.SetServingStatus("", status)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			srv.Shutdown()
			return
		}
	}
}
