package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/voxlog/voxlog/internal/metrics"
	"github.com/voxlog/voxlog/internal/store"
)

// ErrNoActiveSession is returned by session operations when nothing is
// recording.
var ErrNoActiveSession = errors.New("no active recording session")

// ErrSessionActive is returned by StartSession while a session is already
// recording; the pipeline records one session at a time.
var ErrSessionActive = errors.New("a recording session is already active")

// SessionStore is the slice of the store the controller drives.
type SessionStore interface {
	CreateSession(ctx context.Context, baseName string) (*store.Session, error)
	SetRecordingStatus(ctx context.Context, id int64, status store.RecordingStatus) error
	CompleteSession(ctx context.Context, id int64) error
	AppendSegment(ctx context.Context, sessionID int64, index int, startOffset, duration float64, audioKey string) (*store.Segment, error)
	RecordTranscriptionFailure(ctx context.Context, id int64, errText string) error
}

// Dispatcher hands finalized segments to the transcription pipeline.
type Dispatcher interface {
	Dispatch(seg store.Segment)
	FlushSession(sessionID int64)
}

// AudioWriter persists a finalized segment's bytes under a key.
type AudioWriter interface {
	Save(key string, data []byte) error
}

// Options configures the recording session controller.
type Options struct {
	Store         SessionStore
	Audio         AudioWriter
	Dispatch      Dispatcher
	Source        Source
	SegmentLength time.Duration
	PublishEvent  func(eventType string, sessionID int64, payload map[string]any)
	Log           zerolog.Logger
}

// Controller owns the time-boxed capture loop: it accumulates PCM frames
// into the current segment, finalizes on each boundary, and hands finished
// segments to the dispatcher without pausing the stream.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	active *activeSession

	// finalizers tracks in-flight segment persistence so StopSession can
	// wait for the last segment to land before completing the session.
	finalizers sync.WaitGroup
}

type activeSession struct {
	id          int64
	baseName    string
	index       int
	startOffset float64 // session-relative start of the current segment, seconds
	samples     []float32
	paused      bool
	stopLoop    chan struct{}
	loopDone    chan struct{}
}

// NewController creates a session controller.
func NewController(opts Options) *Controller {
	if opts.SegmentLength <= 0 {
		opts.SegmentLength = 30 * time.Second
	}
	return &Controller{
		opts: opts,
		log:  opts.Log.With().Str("component", "recorder").Logger(),
	}
}

// StartSession opens the capture source, creates a session record, and
// begins accumulating audio into segment 0.
func (c *Controller) StartSession(ctx context.Context, label string) (*store.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrSessionActive
	}

	if err := c.opts.Source.Open(); err != nil {
		return nil, err
	}

	sess, err := c.opts.Store.CreateSession(ctx, label)
	if err != nil {
		c.opts.Source.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}

	a := &activeSession{
		id:       sess.ID,
		baseName: sess.BaseName,
		stopLoop: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.active = a
	go c.captureLoop(a)

	c.log.Info().Int64("session_id", sess.ID).Str("label", label).Msg("recording started")
	c.publish("session_started", sess.ID, map[string]any{"base_name": sess.BaseName})
	return sess, nil
}

// captureLoop pulls frames from the source until the stream ends or the
// session stops, checking the segment boundary once per second.
func (c *Controller) captureLoop(a *activeSession) {
	stop := a.stopLoop
	done := a.loopDone
	defer close(done)

	frames := make(chan []float32)
	readErr := make(chan error, 1)
	go func() {
		for {
			buf, err := c.opts.Source.ReadNextBuffer()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- buf:
			case <-stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case err := <-readErr:
			c.handleInterruption(a, err)
			return
		case buf := <-frames:
			c.appendSamples(a, buf)
		case <-ticker.C:
			c.onTick(context.Background())
		}
	}
}

func (c *Controller) appendSamples(a *activeSession, buf []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != a || a.paused {
		return
	}
	a.samples = append(a.samples, buf...)
}

// onTick checks whether the current segment crossed the configured length
// and finalizes it if so, opening the next segment in the same step.
func (c *Controller) onTick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.active
	if a == nil || a.paused {
		return
	}
	elapsed := SampleDuration(len(a.samples), c.opts.Source.SampleRate())
	if elapsed < c.opts.SegmentLength.Seconds() {
		return
	}
	c.finalizeLocked(ctx, a, true)
}

// handleInterruption reacts to a capture stream ending outside an explicit
// stop: the current segment is finalized exactly as a stop would, and the
// session parks in paused state awaiting an explicit Resume.
func (c *Controller) handleInterruption(a *activeSession, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != a {
		return // explicit stop already won
	}
	ctx := context.Background()
	c.log.Warn().Err(cause).Int64("session_id", a.id).Msg("capture interrupted")
	c.finalizeLocked(ctx, a, true)
	a.paused = true
	c.opts.Source.Close()
	if err := c.opts.Store.SetRecordingStatus(ctx, a.id, store.RecordingPaused); err != nil {
		c.log.Error().Err(err).Msg("mark session paused")
	}
	c.publish("capture_interrupted", a.id, map[string]any{"error": cause.Error()})
}

// Pause finalizes the current segment and suspends capture. Recording does
// not continue into a new segment until Resume.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.active
	if a == nil {
		return ErrNoActiveSession
	}
	if a.paused {
		return nil
	}
	c.finalizeLocked(ctx, a, true)
	a.paused = true
	if err := c.opts.Store.SetRecordingStatus(ctx, a.id, store.RecordingPaused); err != nil {
		return err
	}
	c.publish("session_paused", a.id, nil)
	return nil
}

// Resume reopens capture after a Pause or interruption; the next segment
// continues the index sequence from where it left off.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.active
	if a == nil {
		return ErrNoActiveSession
	}
	if !a.paused {
		return nil
	}
	// After a plain Pause the capture loop kept draining and appendSamples
	// discarded frames, so nothing to restart. After an interruption the
	// loop has exited and the source is closed: reopen both.
	select {
	case <-a.loopDone:
		if err := c.opts.Source.Open(); err != nil {
			return err
		}
		a.stopLoop = make(chan struct{})
		a.loopDone = make(chan struct{})
		go c.captureLoop(a)
	default:
	}
	if err := c.opts.Store.SetRecordingStatus(ctx, a.id, store.RecordingActive); err != nil {
		return err
	}
	a.paused = false
	c.publish("session_resumed", a.id, nil)
	return nil
}

// StopSession finalizes the in-progress segment (discarding a zero-length
// one), marks the session completed, stops capture, and triggers bulk
// processing of any segments not yet transcribed.
func (c *Controller) StopSession(ctx context.Context) (int64, error) {
	c.mu.Lock()
	a := c.active
	if a == nil {
		c.mu.Unlock()
		return 0, ErrNoActiveSession
	}
	c.finalizeLocked(ctx, a, false)
	c.active = nil
	close(a.stopLoop)
	c.mu.Unlock()

	c.opts.Source.Close()
	<-a.loopDone

	// The final segment must be persisted before the flush sweeps the
	// session's backlog from the store.
	c.finalizers.Wait()

	if err := c.opts.Store.CompleteSession(ctx, a.id); err != nil {
		return a.id, fmt.Errorf("complete session: %w", err)
	}
	c.log.Info().Int64("session_id", a.id).Int("segments", a.index).Msg("recording stopped")
	c.publish("session_stopped", a.id, map[string]any{"segments": a.index})

	c.opts.Dispatch.FlushSession(a.id)
	return a.id, nil
}

// ActiveSession reports the current session id, or false when idle.
func (c *Controller) ActiveSession() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return 0, false
	}
	return c.active.id, true
}

// pendingSegment is a cut segment awaiting encode and persistence off the
// capture path.
type pendingSegment struct {
	sessionID   int64
	index       int
	startOffset float64
	duration    float64
	sampleRate  int
	samples     []float32
	dispatch    bool
}

// finalizeLocked closes out the current segment: a zero-length segment is
// discarded with a warning and the index does not advance; otherwise the
// sample buffer is swapped out under the lock and encode/save/persist run on
// a background finalizer, so live capture never stalls behind audio or store
// writes. Callers hold c.mu. When dispatch is true, the finished segment is
// handed straight to the transcription pipeline.
func (c *Controller) finalizeLocked(ctx context.Context, a *activeSession, dispatch bool) {
	samples := a.samples
	a.samples = nil

	if len(samples) == 0 {
		metrics.SegmentsDiscardedTotal.Inc()
		c.log.Warn().Int64("session_id", a.id).Int("index", a.index).
			Msg("discarding degenerate zero-length segment")
		return
	}

	rate := c.opts.Source.SampleRate()
	p := &pendingSegment{
		sessionID:   a.id,
		index:       a.index,
		startOffset: a.startOffset,
		duration:    SampleDuration(len(samples), rate),
		sampleRate:  rate,
		samples:     samples,
		dispatch:    dispatch,
	}
	a.index++
	a.startOffset += p.duration

	c.finalizers.Add(1)
	go func(ctx context.Context) {
		defer c.finalizers.Done()
		c.persistSegment(ctx, p)
	}(context.WithoutCancel(ctx))
}

// persistSegment encodes, saves, and registers one cut segment. A failed
// audio write marks only that segment failed and the session keeps going.
func (c *Controller) persistSegment(ctx context.Context, p *pendingSegment) {
	key := segmentKey(p.sessionID, p.index)
	data := EncodeWAV(p.samples, p.sampleRate)

	if err := c.opts.Audio.Save(key, data); err != nil {
		c.log.Error().Err(err).Int64("session_id", p.sessionID).Int("index", p.index).
			Msg("segment audio write failed, session continues")
		if seg, aerr := c.opts.Store.AppendSegment(ctx, p.sessionID, p.index, p.startOffset, p.duration, key); aerr == nil {
			msg := fmt.Sprintf("audio write failed: %v", err)
			if ferr := c.opts.Store.RecordTranscriptionFailure(ctx, seg.ID, msg); ferr != nil {
				c.log.Error().Err(ferr).Msg("record segment write failure")
			}
		} else {
			c.log.Error().Err(aerr).Msg("persist failed segment")
		}
		return
	}

	seg, err := c.opts.Store.AppendSegment(ctx, p.sessionID, p.index, p.startOffset, p.duration, key)
	if err != nil {
		c.log.Error().Err(err).Int64("session_id", p.sessionID).Int("index", p.index).Msg("persist segment")
		return
	}

	metrics.SegmentsFinalizedTotal.Inc()
	c.log.Debug().Int64("session_id", p.sessionID).Int("index", seg.Index).
		Float64("duration", p.duration).Msg("segment finalized")
	c.publish("segment_finalized", p.sessionID, map[string]any{
		"segment_id": seg.ID,
		"index":      seg.Index,
		"duration":   p.duration,
	})

	if p.dispatch {
		c.opts.Dispatch.Dispatch(*seg)
	}
}

func segmentKey(sessionID int64, index int) string {
	return fmt.Sprintf("session-%06d/segment-%04d.wav", sessionID, index)
}

func (c *Controller) publish(eventType string, sessionID int64, payload map[string]any) {
	if c.opts.PublishEvent == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	c.opts.PublishEvent(eventType, sessionID, payload)
}
