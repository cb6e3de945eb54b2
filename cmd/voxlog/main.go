package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	voxlog "github.com/voxlog/voxlog"
	"github.com/voxlog/voxlog/internal/api"
	"github.com/voxlog/voxlog/internal/config"
	"github.com/voxlog/voxlog/internal/events"
	"github.com/voxlog/voxlog/internal/importer"
	"github.com/voxlog/voxlog/internal/mqttclient"
	"github.com/voxlog/voxlog/internal/recorder"
	"github.com/voxlog/voxlog/internal/storage"
	"github.com/voxlog/voxlog/internal/store"
	"github.com/voxlog/voxlog/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "segment audio directory")
	flag.StringVar(&overrides.ImportDir, "import-dir", "", "WAV import drop directory")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("voxlog starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "store").Logger()
	st, err := store.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()
	if err := st.InitSchema(ctx, voxlog.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Audio storage (local disk, optionally mirrored to S3)
	audio, err := storage.New(cfg.S3, cfg.AudioDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}

	// Event bus feeding SSE subscribers and the MQTT bridge
	bus := events.NewBus(256)
	publish := func(eventType string, sessionID int64, payload map[string]any) {
		bus.Publish(eventType, sessionID, payload)
	}

	// Optional MQTT bridge
	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		go bridgeEvents(ctx, bus, mqtt)
	}

	// Transcription orchestrator
	strategy, err := transcribe.ParseStrategy(cfg.Strategy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid transcription strategy")
	}
	orch := transcribe.NewOrchestrator(transcribe.Options{
		Store: st,
		Remote: transcribe.NewRemoteClient(
			cfg.TranscribeURL, cfg.TranscribeModel,
			transcribe.StaticCredential(cfg.TranscribeAPIKey),
			cfg.TranscribeTimeout,
		),
		Local:        transcribe.NewLocalClient(cfg.LocalWhisperBin, cfg.LocalWhisperModel, cfg.TranscribeTimeout),
		Audio:        audio,
		Strategy:     strategy,
		Language:     cfg.TranscribeLanguage,
		MaxAttempts:  cfg.MaxAttempts,
		PublishEvent: publish,
		Log:          log.With().Str("component", "transcribe").Logger(),
	})

	// Re-drive segments left pending by a previous run.
	go func() {
		if n, err := orch.ResumePending(ctx); err != nil {
			log.Error().Err(err).Msg("resume pending transcriptions")
		} else if n > 0 {
			log.Info().Int("segments", n).Msg("pending transcriptions resumed")
		}
	}()

	// Recording session controller
	rec := recorder.NewController(recorder.Options{
		Store:         st,
		Audio:         audioWriter{audio},
		Dispatch:      orch,
		Source:        recorder.NewCommandSource(cfg.CaptureCmd, cfg.SampleRate, log),
		SegmentLength: time.Duration(cfg.SegmentSeconds) * time.Second,
		PublishEvent:  publish,
		Log:           log,
	})

	// Optional WAV import watcher
	if cfg.ImportDir != "" {
		watcher := importer.New(st, audio, orch, cfg.ImportDir, log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start import watcher")
		}
		defer watcher.Stop()
	}

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.Deps{
		Config:       cfg,
		Store:        st,
		Audio:        audio,
		Recorder:     rec,
		Orchestrator: orch,
		Bus:          bus,
		MQTT:         mqtt,
		Version:      version,
		StartTime:    startTime,
		Log:          httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Stop capture first so the final segment is persisted, then drain
	// in-flight transcriptions before closing the HTTP front end.
	if _, err := rec.StopSession(context.Background()); err != nil && err != recorder.ErrNoActiveSession {
		log.Error().Err(err).Msg("stop active session")
	}
	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("voxlog stopped")
}

// audioWriter adapts the storage backend to the recorder's synchronous
// write interface.
type audioWriter struct {
	store storage.AudioStore
}

func (w audioWriter) Save(key string, data []byte) error {
	return w.store.Save(context.Background(), key, data)
}

// bridgeEvents forwards every bus event to the MQTT broker under
// {prefix}/{event type}.
func bridgeEvents(ctx context.Context, bus *events.Bus, mqtt *mqttclient.Client) {
	ch, cancel := bus.Subscribe(events.Filter{})
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			mqtt.Publish(e.Type, payload)
		}
	}
}
