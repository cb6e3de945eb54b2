package importer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/voxlog/voxlog/internal/recorder"
	"github.com/voxlog/voxlog/internal/store"
)

type importFakeStore struct {
	mu        sync.Mutex
	nextID    int64
	sessions  map[int64]string
	appended  []store.Segment
	completed []int64
}

func newImportFakeStore() *importFakeStore {
	return &importFakeStore{sessions: make(map[int64]string)}
}

func (f *importFakeStore) CreateSession(_ context.Context, baseName string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sessions[f.nextID] = baseName
	return &store.Session{ID: f.nextID, BaseName: baseName}, nil
}

func (f *importFakeStore) AppendSegment(_ context.Context, sessionID int64, index int, startOffset, duration float64, audioKey string) (*store.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seg := store.Segment{
		ID: int64(len(f.appended) + 1), SessionID: sessionID, Index: index,
		StartOffset: startOffset, Duration: duration, AudioKey: audioKey,
	}
	f.appended = append(f.appended, seg)
	return &seg, nil
}

func (f *importFakeStore) CompleteSession(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

type importFakeWriter struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (w *importFakeWriter) Save(_ context.Context, key string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.saved == nil {
		w.saved = make(map[string][]byte)
	}
	w.saved[key] = data
	return nil
}

type importFakeDispatcher struct {
	mu         sync.Mutex
	dispatched []store.Segment
}

func (d *importFakeDispatcher) Dispatch(seg store.Segment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, seg)
}

func TestImportFileRegistersSingleSegmentSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicemail.wav")
	// two seconds of silence at 8kHz
	if err := os.WriteFile(path, recorder.EncodeWAV(make([]float32, 16000), 8000), 0o644); err != nil {
		t.Fatal(err)
	}

	st := newImportFakeStore()
	aw := &importFakeWriter{}
	d := &importFakeDispatcher{}
	w := New(st, aw, d, dir, zerolog.Nop())

	if err := w.ImportFile(context.Background(), path); err != nil {
		t.Fatalf("ImportFile: %v", err)
	}

	if st.sessions[1] != "voicemail" {
		t.Errorf("session name = %q, want extension stripped", st.sessions[1])
	}
	if len(st.appended) != 1 {
		t.Fatalf("appended %d segments", len(st.appended))
	}
	seg := st.appended[0]
	if seg.Index != 0 || seg.StartOffset != 0 {
		t.Errorf("segment = %+v, want index 0 at offset 0", seg)
	}
	if seg.Duration < 1.99 || seg.Duration > 2.01 {
		t.Errorf("duration = %v, want ~2s", seg.Duration)
	}
	if _, ok := aw.saved[seg.AudioKey]; !ok {
		t.Error("audio bytes not copied into the store")
	}
	if len(st.completed) != 1 || st.completed[0] != 1 {
		t.Errorf("completed = %v", st.completed)
	}
	if len(d.dispatched) != 1 || d.dispatched[0].ID != seg.ID {
		t.Errorf("dispatched = %+v", d.dispatched)
	}
}

func TestImportFileRejectsMalformedAudio(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.wav")
	if err := os.WriteFile(path, []byte("this is not RIFF data at all, padded out"), 0o644); err != nil {
		t.Fatal(err)
	}

	st := newImportFakeStore()
	w := New(st, &importFakeWriter{}, &importFakeDispatcher{}, dir, zerolog.Nop())

	if err := w.ImportFile(context.Background(), path); err == nil {
		t.Fatal("expected error for malformed WAV")
	}
	if len(st.appended) != 0 || len(st.sessions) != 0 {
		t.Error("malformed file must not create database rows")
	}
}
