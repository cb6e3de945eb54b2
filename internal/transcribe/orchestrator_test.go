package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/voxlog/voxlog/internal/store"
)

// ── test fakes ──

type fakeStore struct {
	mu           sync.Mutex
	retryCount   map[int64]int
	inProgress   map[int64]int
	successText  map[int64]string
	successMeth  map[int64]store.Method
	failureMsg   map[int64]string
	recomputed   []int64
	pending      []store.Segment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		retryCount:  make(map[int64]int),
		inProgress:  make(map[int64]int),
		successText: make(map[int64]string),
		successMeth: make(map[int64]store.Method),
		failureMsg:  make(map[int64]string),
	}
}

func (f *fakeStore) MarkInProgress(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inProgress[id]++
	return nil
}

func (f *fakeStore) BumpRetry(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryCount[id]++
	return f.retryCount[id], nil
}

func (f *fakeStore) RecordTranscriptionSuccess(_ context.Context, id int64, text string, method store.Method) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successText[id] = text
	f.successMeth[id] = method
	return nil
}

func (f *fakeStore) RecordTranscriptionFailure(_ context.Context, id int64, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureMsg[id] = errText
	return nil
}

func (f *fakeStore) RecomputeTranscript(_ context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recomputed = append(f.recomputed, sessionID)
	return nil
}

func (f *fakeStore) ListPendingTranscriptions(context.Context) ([]store.Segment, error) {
	return f.pending, nil
}

func (f *fakeStore) ListSessionPending(_ context.Context, sessionID int64) ([]store.Segment, error) {
	var out []store.Segment
	for _, s := range f.pending {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out, nil
}

// scriptProvider answers each call from a script of results.
type scriptProvider struct {
	name  string
	mu    sync.Mutex
	calls int
	fn    func(call int) (*Result, error)
}

func (p *scriptProvider) Name() string { return p.name }

func (p *scriptProvider) Transcribe(context.Context, string, Opts) (*Result, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()
	return p.fn(call)
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func alwaysText(name, text string) *scriptProvider {
	return &scriptProvider{name: name, fn: func(int) (*Result, error) {
		return &Result{Text: text}, nil
	}}
}

func alwaysErr(name string, err error) *scriptProvider {
	return &scriptProvider{name: name, fn: func(int) (*Result, error) {
		return nil, err
	}}
}

type pathLocator map[string]string

func (l pathLocator) LocalPath(key string) string { return l[key] }

// writeAudioFixture creates a throwaway file standing in for a segment's WAV.
func writeAudioFixture(t *testing.T) (pathLocator, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0001.wav")
	if err := os.WriteFile(path, []byte("RIFF fixture"), 0o644); err != nil {
		t.Fatal(err)
	}
	return pathLocator{"seg-0001.wav": path}, path
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func testSegment() store.Segment {
	return store.Segment{ID: 1, SessionID: 7, Index: 0, AudioKey: "seg-0001.wav"}
}

func newTestOrchestrator(st *fakeStore, remote, local Provider, strategy Strategy, loc AudioLocator, sl *sleepRecorder) *Orchestrator {
	return NewOrchestrator(Options{
		Store:    st,
		Remote:   remote,
		Local:    local,
		Audio:    loc,
		Strategy: strategy,
		Sleep:    sl.sleep,
		Log:      zerolog.Nop(),
	})
}

// ── backoff schedule ──

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for n := 1; n <= 5; n++ {
		if got := Backoff(n); got != want[n-1] {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, want[n-1])
		}
	}
}

// ── ProcessSegment ──

func TestProcessSegmentRemoteSuccessAfterRetries(t *testing.T) {
	st := newFakeStore()
	netErr := newError(KindNetwork, 0, "connection reset")
	remote := &scriptProvider{name: "remote", fn: func(call int) (*Result, error) {
		if call < 2 {
			return nil, netErr
		}
		return &Result{Text: "hello world"}, nil
	}}
	local := alwaysText("local", "should not be called")
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)
	if err := o.ProcessSegment(context.Background(), testSegment()); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}

	if got := remote.callCount(); got != 3 {
		t.Errorf("remote calls = %d, want 3", got)
	}
	if got := local.callCount(); got != 0 {
		t.Errorf("local calls = %d, want 0", got)
	}
	if got := st.retryCount[1]; got != 2 {
		t.Errorf("persisted retry count = %d, want 2", got)
	}
	if got := st.successMeth[1]; got != store.MethodRemote {
		t.Errorf("method = %q, want %q", got, store.MethodRemote)
	}
	if got := st.successText[1]; got != "hello world" {
		t.Errorf("text = %q", got)
	}
	wantDelays := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(sl.delays) != len(wantDelays) {
		t.Fatalf("sleeps = %v, want %v", sl.delays, wantDelays)
	}
	for i, d := range wantDelays {
		if sl.delays[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, sl.delays[i], d)
		}
	}
}

func TestProcessSegmentExhaustsRemoteThenFallsBack(t *testing.T) {
	st := newFakeStore()
	remote := alwaysErr("remote", newError(KindRateLimited, http.StatusTooManyRequests, "slow down"))
	local := alwaysText("local", "rescued transcript")
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)
	if err := o.ProcessSegment(context.Background(), testSegment()); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}

	// Five remote attempts, never a sixth; four backoff sleeps.
	if got := remote.callCount(); got != 5 {
		t.Errorf("remote calls = %d, want 5", got)
	}
	if got := len(sl.delays); got != 4 {
		t.Errorf("sleeps = %d, want 4", got)
	}
	if got := local.callCount(); got != 1 {
		t.Errorf("local calls = %d, want 1", got)
	}
	if got := st.successMeth[1]; got != store.MethodLocal {
		t.Errorf("method = %q, want %q", got, store.MethodLocal)
	}
	if got := st.successText[1]; !strings.HasSuffix(got, FallbackMarker) {
		t.Errorf("fallback text %q missing marker", got)
	}
}

func TestProcessSegmentRedriveRestartsBackoffSchedule(t *testing.T) {
	st := newFakeStore()
	st.retryCount[1] = 4 // accumulated by an earlier failed run
	remote := alwaysErr("remote", newError(KindNetwork, 0, "unreachable"))
	local := alwaysText("local", "rescued transcript")
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)
	if err := o.ProcessSegment(context.Background(), testSegment()); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}

	// The backoff position is per run, not per lifetime: a re-driven segment
	// sleeps 1,2,4,8s again instead of resuming at 16s and beyond.
	wantDelays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(sl.delays) != len(wantDelays) {
		t.Fatalf("sleeps = %v, want %v", sl.delays, wantDelays)
	}
	for i, d := range wantDelays {
		if sl.delays[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, sl.delays[i], d)
		}
	}
	if got := remote.callCount(); got != 5 {
		t.Errorf("remote calls = %d, want 5", got)
	}
	if got := st.retryCount[1]; got != 8 {
		t.Errorf("persisted retry count = %d, want 8 (accounting keeps accumulating)", got)
	}
}

func TestProcessSegmentNonRetryableSkipsRetries(t *testing.T) {
	st := newFakeStore()
	remote := alwaysErr("remote", newError(KindNoCredential, 0, "no API key configured"))
	local := alwaysText("local", "plan b")
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)
	if err := o.ProcessSegment(context.Background(), testSegment()); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}

	if got := remote.callCount(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
	if got := len(sl.delays); got != 0 {
		t.Errorf("sleeps = %d, want 0", got)
	}
	if got := st.retryCount[1]; got != 0 {
		t.Errorf("retry count = %d, want 0", got)
	}
	if got := st.successMeth[1]; got != store.MethodLocal {
		t.Errorf("method = %q, want %q", got, store.MethodLocal)
	}
}

func TestProcessSegmentBothPathsFail(t *testing.T) {
	st := newFakeStore()
	remote := alwaysErr("remote", newError(KindNetwork, 0, "unreachable"))
	local := alwaysErr("local", newError(KindLocalUnavailable, 0, "binary missing"))
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)
	err := o.ProcessSegment(context.Background(), testSegment())
	if err == nil {
		t.Fatal("expected terminal error")
	}

	msg := st.failureMsg[1]
	if !strings.Contains(msg, "unreachable") || !strings.Contains(msg, "binary missing") {
		t.Errorf("stored error %q should carry both causes", msg)
	}
	if _, ok := st.successText[1]; ok {
		t.Error("success should not be recorded")
	}
}

func TestProcessSegmentRemoteOnlyDoesNotFallBack(t *testing.T) {
	st := newFakeStore()
	remote := alwaysErr("remote", newError(KindQuotaExceeded, http.StatusPaymentRequired, "out of credit"))
	local := alwaysText("local", "unused")
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemote, loc, sl)
	if err := o.ProcessSegment(context.Background(), testSegment()); err == nil {
		t.Fatal("expected error")
	}

	if got := local.callCount(); got != 0 {
		t.Errorf("local calls = %d, want 0", got)
	}
	if !strings.Contains(st.failureMsg[1], "out of credit") {
		t.Errorf("failure message = %q", st.failureMsg[1])
	}
}

func TestProcessSegmentLocalStrategy(t *testing.T) {
	st := newFakeStore()
	remote := alwaysText("remote", "unused")
	local := alwaysText("local", "on-device result")
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyLocal, loc, sl)
	if err := o.ProcessSegment(context.Background(), testSegment()); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}

	if got := remote.callCount(); got != 0 {
		t.Errorf("remote calls = %d, want 0", got)
	}
	if got := st.successText[1]; got != "on-device result" {
		t.Errorf("text = %q, want no fallback marker", got)
	}
	if got := st.successMeth[1]; got != store.MethodLocal {
		t.Errorf("method = %q, want %q", got, store.MethodLocal)
	}
}

func TestProcessSegmentCacheHitSkipsProviders(t *testing.T) {
	st := newFakeStore()
	remote := alwaysErr("remote", newError(KindNetwork, 0, "should not be reached"))
	local := alwaysErr("local", errors.New("should not be reached"))
	loc, path := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	o.opts.Cache.Put(CacheKey(filepath.Base(path), fi.Size()), "cached words", store.MethodRemote)

	if err := o.ProcessSegment(context.Background(), testSegment()); err != nil {
		t.Fatalf("ProcessSegment: %v", err)
	}

	if got := remote.callCount() + local.callCount(); got != 0 {
		t.Errorf("provider calls = %d, want 0", got)
	}
	if got := st.successText[1]; got != "cached words" {
		t.Errorf("text = %q", got)
	}
	if got := st.successMeth[1]; got != store.MethodRemote {
		t.Errorf("method = %q, want cached method preserved", got)
	}
}

func TestProcessSegmentMissingAudioFails(t *testing.T) {
	st := newFakeStore()
	remote := alwaysText("remote", "unused")
	local := alwaysText("local", "unused")
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, pathLocator{}, sl)
	if err := o.ProcessSegment(context.Background(), testSegment()); err == nil {
		t.Fatal("expected error for missing audio")
	}
	if !strings.Contains(st.failureMsg[1], "audio asset missing") {
		t.Errorf("failure message = %q", st.failureMsg[1])
	}
	if got := remote.callCount(); got != 0 {
		t.Errorf("remote calls = %d, want 0", got)
	}
}

func TestProcessSegmentConcurrentDuplicateRunsOnce(t *testing.T) {
	st := newFakeStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	remote := &scriptProvider{name: "remote", fn: func(int) (*Result, error) {
		entered <- struct{}{}
		<-release
		return &Result{Text: "only once"}, nil
	}}
	local := alwaysText("local", "unused")
	loc, _ := writeAudioFixture(t)
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)
	o.Dispatch(testSegment())
	<-entered // first run is inside the remote call, segment still not_started

	// A flush or resume sweeping the same segment while it is in flight is a
	// no-op rather than a second provider call.
	if err := o.ProcessSegment(context.Background(), testSegment()); err != nil {
		t.Fatalf("duplicate ProcessSegment: %v", err)
	}
	if got := remote.callCount(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}

	close(release)
	o.Stop()

	if got := st.successText[1]; got != "only once" {
		t.Errorf("text = %q", got)
	}
	st.mu.Lock()
	marks := st.inProgress[1]
	st.mu.Unlock()
	if marks != 1 {
		t.Errorf("MarkInProgress calls = %d, want 1", marks)
	}
}

// ── ProcessBatch ──

func TestProcessBatchRecomputesOncePerSession(t *testing.T) {
	st := newFakeStore()
	remote := alwaysText("remote", "words")
	local := alwaysText("local", "unused")
	dir := t.TempDir()
	loc := pathLocator{}
	var segs []store.Segment
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("s-%d.wav", i)
		path := filepath.Join(dir, key)
		if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
		loc[key] = path
		// two segments per session across two sessions
		segs = append(segs, store.Segment{ID: int64(i + 1), SessionID: int64(i%2 + 1), Index: i / 2, AudioKey: key})
	}
	sl := &sleepRecorder{}

	o := newTestOrchestrator(st, remote, local, StrategyRemoteFallback, loc, sl)
	o.ProcessBatch(context.Background(), segs)

	if len(st.recomputed) != 2 {
		t.Fatalf("recomputed sessions = %v, want exactly one pass per session", st.recomputed)
	}
	seen := map[int64]bool{}
	for _, id := range st.recomputed {
		if seen[id] {
			t.Errorf("session %d recomputed twice", id)
		}
		seen[id] = true
	}
	for id := int64(1); id <= 4; id++ {
		if st.successText[id] != "words" {
			t.Errorf("segment %d not transcribed", id)
		}
	}
}

// ── ParseStrategy ──

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"local", "remote", "remote_fallback"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q): %v", s, err)
		}
	}
	if _, err := ParseStrategy("cloud"); err == nil {
		t.Error("ParseStrategy should reject unknown strategy")
	}
}
