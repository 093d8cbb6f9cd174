package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status    string    `json:"status"`
	WorkerID  string    `json:"workerId"`
	PID       int       `json:"pid"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Running   int       `json:"running"`
}

// healthServer exposes liveness and metrics over HTTP. It reports 200 while
// the worker accepts tasks and 503 once draining starts, so load balancers
// and probes rotate the instance out before shutdown completes.
type healthServer struct {
	workerID string
	started  time.Time
	running  *atomic.Int32
	draining atomic.Bool
	srv      *http.Server
	log      zerolog.Logger
}

func newHealthServer(port int, workerID string, running *atomic.Int32, gatherer prometheus.Gatherer, log zerolog.Logger) *healthServer {
	h := &healthServer{
		workerID: workerID,
		started:  time.Now(),
		running:  running,
		log:      log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	h.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

func (h *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	code := http.StatusOK
	if h.draining.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    status,
		WorkerID:  h.workerID,
		PID:       os.Getpid(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Running:   int(h.running.Load()),
	})
}

func (h *healthServer) start() {
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error().Err(err).Msg("health server failed")
		}
	}()
}

func (h *healthServer) drain() {
	h.draining.Store(true)
}

func (h *healthServer) stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = h.srv.Shutdown(shutdownCtx)
}
