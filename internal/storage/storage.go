// Package storage persists finalized segment audio, either on the local
// filesystem alone or mirrored to an S3-compatible bucket for archival.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/voxlog/voxlog/internal/config"
)

// AudioStore abstracts segment audio storage backends.
type AudioStore interface {
	// Save stores one segment's bytes. key format:
	// session-{id}/segment-{index}.wav
	Save(ctx context.Context, key string, data []byte) error

	// LocalPath returns the local filesystem path if the file exists on
	// disk, "" otherwise. Transcription clients read from this path.
	LocalPath(key string) string

	// Open returns a reader for the audio file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether the key is present in any backend.
	Exists(ctx context.Context, key string) bool

	// Delete removes the key. A missing file is not an error.
	Delete(ctx context.Context, key string) error

	// Type returns "local" or "archive".
	Type() string
}

// New creates an AudioStore from config: local-only by default, or a
// local+S3 archive when a bucket is configured. Fails fast when S3 is
// configured but unreachable.
func New(cfg config.S3Config, audioDir string, log zerolog.Logger) (AudioStore, error) {
	local := NewLocalStore(audioDir)
	if !cfg.Enabled() {
		return local, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	return NewArchiveStore(local, s3store, log), nil
}
