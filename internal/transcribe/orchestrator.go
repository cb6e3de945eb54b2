package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/voxlog/voxlog/internal/metrics"
	"github.com/voxlog/voxlog/internal/store"
)

// Strategy selects the transcription path for a segment.
type Strategy string

const (
	// StrategyLocal uses only the on-device engine.
	StrategyLocal Strategy = "local"
	// StrategyRemote uses only the remote client, no fallback.
	StrategyRemote Strategy = "remote"
	// StrategyRemoteFallback tries remote with retries, then local once.
	StrategyRemoteFallback Strategy = "remote_fallback"
)

// ParseStrategy decodes a configured strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLocal, StrategyRemote, StrategyRemoteFallback:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown transcription strategy %q", s)
}

// Backoff returns the delay before retry n (1-based): 2^(n-1) seconds.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(1<<(n-1)) * time.Second
}

// FallbackMarker is appended to transcripts produced by the local engine
// after the remote path was exhausted.
const FallbackMarker = " [local fallback]"

// SegmentStore is the slice of the store the orchestrator drives.
type SegmentStore interface {
	MarkInProgress(ctx context.Context, id int64) error
	BumpRetry(ctx context.Context, id int64) (int, error)
	RecordTranscriptionSuccess(ctx context.Context, id int64, text string, method store.Method) error
	RecordTranscriptionFailure(ctx context.Context, id int64, errText string) error
	RecomputeTranscript(ctx context.Context, sessionID int64) error
	ListPendingTranscriptions(ctx context.Context) ([]store.Segment, error)
	ListSessionPending(ctx context.Context, sessionID int64) ([]store.Segment, error)
}

// AudioLocator resolves an audio key to a local file path.
type AudioLocator interface {
	LocalPath(key string) string
}

// EventPublishFunc is a callback for publishing pipeline events.
type EventPublishFunc func(eventType string, sessionID int64, payload map[string]any)

// Options configures the transcription orchestrator.
type Options struct {
	Store        SegmentStore
	Remote       Provider
	Local        Provider
	Cache        *Cache
	Audio        AudioLocator
	Strategy     Strategy
	Language     string
	MaxAttempts  int
	PublishEvent EventPublishFunc
	// Sleep waits between retries; tests inject a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   zerolog.Logger
}

// Orchestrator turns finalized segments into transcripts, honoring the
// configured strategy with bounded retries and one-shot local fallback.
type Orchestrator struct {
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	completed atomic.Int64
	failed    atomic.Int64
}

// Stats reports processed segment counts.
type Stats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// NewOrchestrator creates an orchestrator. Dispatched work runs on the
// orchestrator's own context so shutdown can drain in-flight tasks instead of
// aborting them.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Cache == nil {
		opts.Cache = NewCache()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:     opts,
		log:      opts.Log,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[int64]struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stop waits for all dispatched work to resolve, then releases the context.
// Already-dispatched tasks run to completion or their own terminal failure.
func (o *Orchestrator) Stop() {
	o.wg.Wait()
	o.cancel()
	o.log.Info().
		Int64("completed", o.completed.Load()).
		Int64("failed", o.failed.Load()).
		Msg("transcription orchestrator stopped")
}

// Stats returns current processing counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{Completed: o.completed.Load(), Failed: o.failed.Load()}
}

// Dispatch processes one finalized segment in the background.
func (o *Orchestrator) Dispatch(seg store.Segment) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.ProcessSegment(o.ctx, seg); err != nil {
			o.log.Warn().Err(err).
				Int64("segment_id", seg.ID).
				Msg("segment transcription failed")
		}
	}()
}

// FlushSession processes a session's pending backlog in the background:
// every pending segment runs concurrently, and only after the whole batch
// resolves is the combined transcript recomputed.
func (o *Orchestrator) FlushSession(sessionID int64) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		segs, err := o.opts.Store.ListSessionPending(o.ctx, sessionID)
		if err != nil {
			o.log.Error().Err(err).Int64("session_id", sessionID).Msg("list session backlog")
			return
		}
		o.ProcessBatch(o.ctx, segs)
	}()
}

// ResumePending re-drives every segment left in not_started or failed state,
// oldest first: the recovery path after a crash or restart. It uses the same
// per-segment algorithm as live processing.
func (o *Orchestrator) ResumePending(ctx context.Context) (int, error) {
	segs, err := o.opts.Store.ListPendingTranscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	if len(segs) == 0 {
		return 0, nil
	}
	o.log.Info().Int("segments", len(segs)).Msg("resuming pending transcriptions")
	o.ProcessBatch(ctx, segs)
	return len(segs), nil
}

// ProcessBatch transcribes segments concurrently (one task per segment),
// waits for every task to resolve, then recomputes the combined transcript
// once per affected session. Recomputation is idempotent, so the per-success
// recompute inside the store and this batch-level pass yield the same string.
func (o *Orchestrator) ProcessBatch(ctx context.Context, segs []store.Segment) {
	var wg sync.WaitGroup
	for _, seg := range segs {
		wg.Add(1)
		go func(sg store.Segment) {
			defer wg.Done()
			if err := o.ProcessSegment(ctx, sg); err != nil {
				o.log.Warn().Err(err).Int64("segment_id", sg.ID).Msg("segment transcription failed")
			}
		}(seg)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, seg := range segs {
		if seen[seg.SessionID] {
			continue
		}
		seen[seg.SessionID] = true
		if err := o.opts.Store.RecomputeTranscript(ctx, seg.SessionID); err != nil {
			o.log.Error().Err(err).Int64("session_id", seg.SessionID).Msg("recompute transcript")
		}
	}
}

// ProcessSegment runs the full per-segment pipeline: cache check, strategy
// dispatch, retry/backoff, fallback, and terminal status persistence. Every
// terminal outcome is a stored status plus an error string; nothing escapes
// the pipeline unhandled.
func (o *Orchestrator) ProcessSegment(ctx context.Context, seg store.Segment) error {
	// A live-dispatched segment still reads not_started until MarkInProgress
	// lands, so a concurrent flush or resume sweep can hand it in again. The
	// first caller wins; duplicates are no-ops.
	if !o.acquire(seg.ID) {
		return nil
	}
	defer o.release(seg.ID)

	log := o.log.With().
		Int64("segment_id", seg.ID).
		Int64("session_id", seg.SessionID).
		Int("index", seg.Index).
		Logger()

	path := o.opts.Audio.LocalPath(seg.AudioKey)
	if path == "" {
		msg := fmt.Sprintf("audio asset missing: %s", seg.AudioKey)
		o.recordFailure(ctx, log, seg, msg)
		return fmt.Errorf("%s", msg)
	}

	// Cache check first: a hit completes the segment with the method that
	// produced the entry, with no network call and no retry accounting.
	var cacheKey string
	if fi, err := os.Stat(path); err == nil {
		cacheKey = CacheKey(filepath.Base(path), fi.Size())
		if entry, ok := o.opts.Cache.Get(cacheKey); ok {
			if err := o.opts.Store.RecordTranscriptionSuccess(ctx, seg.ID, entry.Text, entry.Method); err != nil {
				return err
			}
			metrics.TranscriptionCacheHitsTotal.Inc()
			o.completed.Add(1)
			o.publish("transcription_completed", seg, map[string]any{
				"method": string(entry.Method),
				"cached": true,
			})
			log.Debug().Msg("transcript served from cache")
			return nil
		}
	}

	opts := Opts{Language: o.opts.Language}

	var (
		text   string
		method store.Method
		err    error
	)
	switch o.opts.Strategy {
	case StrategyLocal:
		text, method, err = o.runLocal(ctx, seg, path, opts, nil)
	case StrategyRemote:
		text, method, err = o.runRemote(ctx, log, seg, path, opts)
	default:
		text, method, err = o.runRemote(ctx, log, seg, path, opts)
		if err != nil {
			log.Warn().Err(err).Msg("remote path exhausted, falling back to local engine")
			text, method, err = o.runLocal(ctx, seg, path, opts, err)
		}
	}

	if err != nil {
		o.recordFailure(ctx, log, seg, err.Error())
		return err
	}

	if cacheKey != "" {
		o.opts.Cache.Put(cacheKey, text, method)
	}
	if err := o.opts.Store.RecordTranscriptionSuccess(ctx, seg.ID, text, method); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	o.completed.Add(1)
	metrics.TranscriptionsCompletedTotal.WithLabelValues(string(method)).Inc()
	o.publish("transcription_completed", seg, map[string]any{
		"method": string(method),
		"chars":  len(text),
	})
	log.Debug().Str("method", string(method)).Int("chars", len(text)).Msg("transcription complete")
	return nil
}

// runRemote drives the remote client with bounded retries. The backoff
// position is attempt-local, so a segment re-driven after a crash or a
// terminal failure starts the 1,2,4,8,16s schedule over; the persisted retry
// count is pure accounting and keeps growing across runs.
func (o *Orchestrator) runRemote(ctx context.Context, log zerolog.Logger, seg store.Segment, path string, opts Opts) (string, store.Method, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		if err := o.opts.Store.MarkInProgress(ctx, seg.ID); err != nil {
			return "", "", fmt.Errorf("mark in progress: %w", err)
		}

		metrics.TranscriptionAttemptsTotal.WithLabelValues(o.opts.Remote.Name()).Inc()
		res, err := o.opts.Remote.Transcribe(ctx, path, opts)
		if err == nil {
			return res.Text, store.MethodRemote, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == o.opts.MaxAttempts {
			break
		}

		retry, berr := o.opts.Store.BumpRetry(ctx, seg.ID)
		if berr != nil {
			return "", "", berr
		}
		metrics.TranscriptionRetriesTotal.Inc()

		delay := Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Int("retry_count", retry).
			Dur("backoff", delay).Msg("remote attempt failed, backing off")
		if serr := o.opts.Sleep(ctx, delay); serr != nil {
			return "", "", serr
		}
	}
	return "", "", lastErr
}

// runLocal makes exactly one attempt against the on-device engine. When it
// follows a failed remote path, the result text carries a fallback marker and
// a combined error is returned on failure.
func (o *Orchestrator) runLocal(ctx context.Context, seg store.Segment, path string, opts Opts, remoteErr error) (string, store.Method, error) {
	if err := o.opts.Store.MarkInProgress(ctx, seg.ID); err != nil {
		return "", "", fmt.Errorf("mark in progress: %w", err)
	}

	metrics.TranscriptionAttemptsTotal.WithLabelValues(o.opts.Local.Name()).Inc()
	res, err := o.opts.Local.Transcribe(ctx, path, opts)
	if err != nil {
		if remoteErr != nil {
			return "", "", fmt.Errorf("remote: %v; local fallback: %v", remoteErr, err)
		}
		return "", "", err
	}

	text := res.Text
	if remoteErr != nil {
		text += FallbackMarker
	}
	return text, store.MethodLocal, nil
}

// acquire marks a segment in flight, returning false when another task
// already holds it.
func (o *Orchestrator) acquire(id int64) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id int64) {
	o.inflightMu.Lock()
	delete(o.inflight, id)
	o.inflightMu.Unlock()
}

func (o *Orchestrator) recordFailure(ctx context.Context, log zerolog.Logger, seg store.Segment, msg string) {
	o.failed.Add(1)
	metrics.TranscriptionsFailedTotal.Inc()
	if err := o.opts.Store.RecordTranscriptionFailure(ctx, seg.ID, msg); err != nil {
		log.Error().Err(err).Msg("record transcription failure")
	}
	o.publish("transcription_failed", seg, map[string]any{"error": msg})
}

func (o *Orchestrator) publish(eventType string, seg store.Segment, payload map[string]any) {
	if o.opts.PublishEvent == nil {
		return
	}
	payload["segment_id"] = seg.ID
	payload["index"] = seg.Index
	o.opts.PublishEvent(eventType, seg.SessionID, payload)
}
