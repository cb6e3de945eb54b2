// Package importer watches a drop directory for finished WAV recordings and
// registers each one as a single-segment session, so foreign audio flows
// through the same transcription pipeline as live captures.
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/voxlog/voxlog/internal/metrics"
	"github.com/voxlog/voxlog/internal/recorder"
	"github.com/voxlog/voxlog/internal/store"
)

// ImportStore is the slice of the store the watcher drives.
type ImportStore interface {
	CreateSession(ctx context.Context, baseName string) (*store.Session, error)
	AppendSegment(ctx context.Context, sessionID int64, index int, startOffset, duration float64, audioKey string) (*store.Segment, error)
	CompleteSession(ctx context.Context, id int64) error
}

// Dispatcher hands imported segments to the transcription pipeline.
type Dispatcher interface {
	Dispatch(seg store.Segment)
}

// AudioWriter persists imported audio under a key.
type AudioWriter interface {
	Save(ctx context.Context, key string, data []byte) error
}

// Watcher monitors the import directory for new .wav files.
type Watcher struct {
	store     ImportStore
	audio     AudioWriter
	dispatch  Dispatcher
	importDir string
	log       zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
}

// New creates an import watcher for the given directory.
func New(st ImportStore, audio AudioWriter, dispatch Dispatcher, importDir string, log zerolog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:          st,
		audio:          audio,
		dispatch:       dispatch,
		importDir:      importDir,
		log:            log.With().Str("component", "importer").Logger(),
		ctx:            ctx,
		cancel:         cancel,
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start creates the import directory if needed and begins watching it.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.importDir, 0o755); err != nil {
		return fmt.Errorf("create import dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.importDir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.importDir, err)
	}
	w.watcher = fw

	w.log.Info().Str("import_dir", w.importDir).Msg("import watcher started")
	go w.watchLoop()
	return nil
}

// Stop closes the watcher.
func (w *Watcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.log.Info().
		Int64("files_processed", w.filesProcessed.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("import watcher stopped")
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".wav") {
				continue
			}
			w.scheduleImport(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleImport debounces file processing by 500ms. This coalesces rapid
// Create+Write events and ensures the file is fully written before reading.
func (w *Watcher) scheduleImport(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(500 * time.Millisecond)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(500*time.Millisecond, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		if err := w.ImportFile(w.ctx, path); err != nil {
			w.filesSkipped.Add(1)
			w.log.Warn().Err(err).Str("file", path).Msg("import skipped")
		}
	})
}

// ImportFile registers one WAV file as a completed single-segment session
// and dispatches it for transcription. The original file is left in place.
func (w *Watcher) ImportFile(ctx context.Context, path string) error {
	duration, err := recorder.WAVDuration(path)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return fmt.Errorf("empty recording: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	baseName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	sess, err := w.store.CreateSession(ctx, baseName)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	key := fmt.Sprintf("session-%06d/segment-0000.wav", sess.ID)
	if err := w.audio.Save(ctx, key, data); err != nil {
		return fmt.Errorf("save audio: %w", err)
	}

	seg, err := w.store.AppendSegment(ctx, sess.ID, 0, 0, duration, key)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	if err := w.store.CompleteSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	w.filesProcessed.Add(1)
	metrics.ImportedFilesTotal.Inc()
	w.log.Info().Str("file", filepath.Base(path)).
		Int64("session_id", sess.ID).Float64("duration", duration).
		Msg("recording imported")

	w.dispatch.Dispatch(*seg)
	return nil
}

// Stats reports watcher counters for the health endpoint.
func (w *Watcher) Stats() (processed, skipped int64) {
	return w.filesProcessed.Load(), w.filesSkipped.Load()
}
