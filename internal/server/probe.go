package server

import (
	"encoding/json"
	"net/http"

	"github.com/joulemeter/joulemeter/internal/engine"
	"github.com/joulemeter/joulemeter/internal/service"
)

// PowerDataProvider is the subset of internal/engine.Engine the probe
// depends on to decide readiness/liveness.
type PowerDataProvider interface {
	SnapshotMetrics() (*engine.Snapshot, error)
}

type probe struct {
	api     APIService
	metrics PowerDataProvider
}

var (
	_ service.Service     = (*probe)(nil)
	_ service.Initializer = (*probe)(nil)
)

// NewProbe creates a new probe service that provides health check endpoints
func NewProbe(api APIService, metrics PowerDataProvider) *probe {
	return &probe{
		api:     api,
		metrics: metrics,
	}
}

func (p *probe) Name() string {
	return "probe"
}

func (p *probe) Init() error {
	return p.api.Register("/probe/", "probe", "Health check endpoints", p.handlers())
}

// handlers returns HTTP handlers for health check endpoints
func (p *probe) handlers() http.Handler {
	mux := http.NewServeMux()
	p.registerHealthEndpoints(mux)
	return mux
}

func (p *probe) registerHealthEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/probe/readyz", p.readyzHandler)
	mux.HandleFunc("/probe/livez", p.livezHandler)
}

// readyzHandler returns 200 when the engine is operational, regardless of
// collection interval.
func (p *probe) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := p.metrics.SnapshotMetrics(); err != nil {
		p.respondWithError(w, "not ready", "engine not operational")
		return
	}

	p.respondWithSuccess(w, "ok")
}

// livezHandler returns 200 if the engine is operational, regardless of
// sampling frequency.
func (p *probe) livezHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := p.metrics.SnapshotMetrics(); err != nil {
		p.respondWithError(w, "not alive", "engine not operational")
		return
	}

	p.respondWithSuccess(w, "alive")
}

func (p *probe) respondWithSuccess(w http.ResponseWriter, status string) {
	response := map[string]string{"status": status}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (p *probe) respondWithError(w http.ResponseWriter, status, reason string) {
	response := map[string]string{"status": status, "reason": reason}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
