package api

import (
	"net/http"
	"time"

	"github.com/voxlog/voxlog/internal/mqttclient"
	"github.com/voxlog/voxlog/internal/recorder"
	"github.com/voxlog/voxlog/internal/store"
	"github.com/voxlog/voxlog/internal/transcribe"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	ActiveSession *int64            `json:"active_session,omitempty"`
	Transcription transcribe.Stats  `json:"transcription"`
}

// HealthHandler reports liveness of the store and broker plus pipeline
// counters.
type HealthHandler struct {
	store        *store.Store
	mqtt         *mqttclient.Client
	recorder     *recorder.Controller
	orchestrator *transcribe.Orchestrator
	version      string
	startTime    time.Time
}

func NewHealthHandler(st *store.Store, mqtt *mqttclient.Client, rec *recorder.Controller, orch *transcribe.Orchestrator, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		store:        st,
		mqtt:         mqtt,
		recorder:     rec,
		orchestrator: orch,
		version:      version,
		startTime:    startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "ok"

	if err := h.store.HealthCheck(r.Context()); err != nil {
		checks["database"] = "down: " + err.Error()
		status = "degraded"
	} else {
		checks["database"] = "ok"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			status = "degraded"
		}
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		Transcription: h.orchestrator.Stats(),
	}
	if id, active := h.recorder.ActiveSession(); active {
		resp.ActiveSession = &id
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, resp)
}
