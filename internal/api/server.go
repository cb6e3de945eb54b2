package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/voxlog/voxlog/internal/config"
	"github.com/voxlog/voxlog/internal/events"
	"github.com/voxlog/voxlog/internal/metrics"
	"github.com/voxlog/voxlog/internal/mqttclient"
	"github.com/voxlog/voxlog/internal/recorder"
	"github.com/voxlog/voxlog/internal/storage"
	"github.com/voxlog/voxlog/internal/store"
	"github.com/voxlog/voxlog/internal/transcribe"
)

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Config       *config.Config
	Store        *store.Store
	Audio        storage.AudioStore
	Recorder     *recorder.Controller
	Orchestrator *transcribe.Orchestrator
	Bus          *events.Bus
	MQTT         *mqttclient.Client // nil when the bridge is disabled
	Version      string
	StartTime    time.Time
	Log          zerolog.Logger
}

// Server is the HTTP API front end.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewServer wires the router: health and metrics are unauthenticated,
// everything else sits behind bearer auth when a token is configured.
func NewServer(d Deps) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(d.Log))

	health := NewHealthHandler(d.Store, d.MQTT, d.Recorder, d.Orchestrator, d.Version, d.StartTime)
	r.Method(http.MethodGet, "/api/v1/health",
		metrics.InstrumentHandler("health", health))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(d.Config.AuthToken))

		NewSessionsHandler(d.Store, d.Audio, d.Recorder, d.Orchestrator).Routes(r)
		NewSegmentsHandler(d.Store, d.Audio, d.Orchestrator).Routes(r)
		NewEventsHandler(d.Bus).Routes(r)
	})

	return &Server{
		http: &http.Server{
			Addr:         d.Config.HTTPAddr,
			Handler:      r,
			ReadTimeout:  d.Config.ReadTimeout,
			WriteTimeout: d.Config.WriteTimeout,
			IdleTimeout:  d.Config.IdleTimeout,
		},
		log: d.Log,
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
