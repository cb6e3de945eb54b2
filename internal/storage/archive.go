package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// ArchiveStore combines local disk (source of truth) with an S3 bucket
// (archival copy). Write path: save locally first, then mirror to S3
// best-effort; callers run Save off the capture path. Read path: local
// first, S3 fallback with cache-on-read.
type ArchiveStore struct {
	local *LocalStore
	s3    *S3Store
	log   zerolog.Logger
}

// NewArchiveStore creates a local-primary + S3-archive store.
func NewArchiveStore(local *LocalStore, s3 *S3Store, log zerolog.Logger) *ArchiveStore {
	return &ArchiveStore{
		local: local,
		s3:    s3,
		log:   log.With().Str("component", "archive-store").Logger(),
	}
}

// Save writes to local disk first (fatal on failure), then mirrors to S3
// (warning on failure; the local copy is the one the pipeline reads).
func (s *ArchiveStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.local.Save(ctx, key, data); err != nil {
		return err
	}
	if err := s.s3.Save(ctx, key, data); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("S3 archive write failed")
	}
	return nil
}

func (s *ArchiveStore) LocalPath(key string) string {
	return s.local.LocalPath(key)
}

// Open returns a reader for the audio file. Checks local disk first, then
// falls back to S3. On an S3 hit the file is cached locally for future
// reads.
func (s *ArchiveStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.s3.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Save(ctx, key, data); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache S3 file locally")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *ArchiveStore) Exists(ctx context.Context, key string) bool {
	return s.local.Exists(ctx, key) || s.s3.Exists(ctx, key)
}

// Delete removes the key from both backends; a missing copy on either side
// is not an error.
func (s *ArchiveStore) Delete(ctx context.Context, key string) error {
	if err := s.local.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.s3.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("S3 archive delete failed")
	}
	return nil
}

func (s *ArchiveStore) Type() string { return "archive" }
