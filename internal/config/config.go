package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	AudioDir  string `env:"AUDIO_DIR" envDefault:"./audio"`
	ImportDir string `env:"IMPORT_DIR"`

	// Capture
	SegmentSeconds int    `env:"SEGMENT_SECONDS" envDefault:"30"`
	SampleRate     int    `env:"SAMPLE_RATE" envDefault:"44100"`
	CaptureCmd     string `env:"CAPTURE_CMD"`

	// Transcription
	Strategy           string        `env:"TRANSCRIBE_STRATEGY" envDefault:"remote_fallback"`
	TranscribeURL      string        `env:"TRANSCRIBE_URL" envDefault:"https://api.openai.com/v1/audio/transcriptions"`
	TranscribeModel    string        `env:"TRANSCRIBE_MODEL" envDefault:"whisper-1"`
	TranscribeAPIKey   string        `env:"TRANSCRIBE_API_KEY"`
	TranscribeTimeout  time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"60s"`
	TranscribeLanguage string        `env:"TRANSCRIBE_LANGUAGE"`
	MaxAttempts        int           `env:"TRANSCRIBE_MAX_ATTEMPTS" envDefault:"5"`
	LocalWhisperBin    string        `env:"LOCAL_WHISPER_BIN" envDefault:"whisper-cli"`
	LocalWhisperModel  string        `env:"LOCAL_WHISPER_MODEL"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Optional MQTT event bridge. Empty broker URL disables it.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"voxlog"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"voxlog"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	S3 S3Config `envPrefix:"S3_"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config configures optional segment audio archival to an S3-compatible store.
type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	Bucket    string `env:"BUCKET"`
	Prefix    string `env:"PREFIX"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
}

// Enabled reports whether S3 archival is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
	ImportDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.ImportDir != "" {
		cfg.ImportDir = overrides.ImportDir
	}

	return cfg, nil
}
