package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Segment is one time-boxed slice of a session's audio.
type Segment struct {
	ID             int64               `json:"id"`
	SessionID      int64               `json:"session_id"`
	Index          int                 `json:"index"`
	StartOffset    float64             `json:"start_offset"`
	Duration       float64             `json:"duration"`
	AudioKey       string              `json:"audio_key"`
	TranscriptText *string             `json:"transcript_text,omitempty"`
	Method         *Method             `json:"transcription_method,omitempty"`
	RetryCount     int                 `json:"retry_count"`
	Status         TranscriptionStatus `json:"transcription_status"`
	LastError      *string             `json:"last_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

const segmentColumns = `id, session_id, idx, start_offset, duration, audio_key,
	transcript_text, transcription_method, retry_count, transcription_status,
	last_error, created_at`

func scanSegment(row rowScanner) (*Segment, error) {
	var seg Segment
	var status string
	var method *string
	err := row.Scan(
		&seg.ID, &seg.SessionID, &seg.Index, &seg.StartOffset, &seg.Duration,
		&seg.AudioKey, &seg.TranscriptText, &method, &seg.RetryCount,
		&status, &seg.LastError, &seg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	seg.Status, err = ParseTranscriptionStatus(status)
	if err != nil {
		return nil, err
	}
	if method != nil {
		m, err := ParseMethod(*method)
		if err != nil {
			return nil, err
		}
		seg.Method = &m
	}
	return &seg, nil
}

// AppendSegment persists a finalized segment and updates the owning session's
// segment count and total duration in the same transaction.
func (s *Store) AppendSegment(ctx context.Context, sessionID int64, index int, startOffset, duration float64, audioKey string) (*Segment, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO segments (session_id, idx, start_offset, duration, audio_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+segmentColumns,
		sessionID, index, startOffset, duration, audioKey,
	)
	seg, err := scanSegment(row)
	if err != nil {
		return nil, fmt.Errorf("insert segment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions SET
			segment_count = (SELECT count(*) FROM segments WHERE session_id = $1),
			total_duration = $2
		WHERE id = $1
	`, sessionID, startOffset+duration)
	if err != nil {
		return nil, fmt.Errorf("update session totals: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return seg, nil
}

// GetSegment returns one segment by id.
func (s *Store) GetSegment(ctx context.Context, id int64) (*Segment, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE id = $1`, id)
	return scanSegment(row)
}

// ListSegments returns a session's segments in index order.
func (s *Store) ListSegments(ctx context.Context, sessionID int64) ([]Segment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE session_id = $1
		ORDER BY idx
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *seg)
	}
	return result, rows.Err()
}

// MarkInProgress transitions a segment to in_progress before a transcription attempt.
func (s *Store) MarkInProgress(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE segments SET transcription_status = $2
		WHERE id = $1
	`, id, string(TranscriptionInProgress))
	return err
}

// BumpRetry increments a segment's retry count and returns the new value.
// Counts are persisted so retry accounting survives a restart mid-backoff.
func (s *Store) BumpRetry(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		UPDATE segments SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count
	`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("bump retry: %w", err)
	}
	return n, nil
}

// RecordTranscriptionSuccess stores the transcript and method, marks the
// segment completed, and recomputes the owning session's combined transcript
// in the same transaction.
func (s *Store) RecordTranscriptionSuccess(ctx context.Context, id int64, text string, method Method) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var sessionID int64
	err = tx.QueryRow(ctx, `
		UPDATE segments SET
			transcript_text = $2,
			transcription_method = $3,
			transcription_status = $4,
			last_error = NULL
		WHERE id = $1
		RETURNING session_id
	`, id, text, string(method), string(TranscriptionCompleted)).Scan(&sessionID)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}

	if err := recomputeTranscript(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordTranscriptionFailure marks a segment failed with the terminal error text.
func (s *Store) RecordTranscriptionFailure(ctx context.Context, id int64, errText string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE segments SET
			transcription_status = $2,
			last_error = $3
		WHERE id = $1
	`, id, string(TranscriptionFailed), errText)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// MarkSkipped excludes a segment from transcription (e.g. unreadable audio).
func (s *Store) MarkSkipped(ctx context.Context, id int64, reason string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE segments SET transcription_status = $2, last_error = $3
		WHERE id = $1
	`, id, string(TranscriptionSkipped), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ResetForRetry returns a segment to not_started for manual re-queue. Retry
// accounting starts fresh; the next run is driven by the normal pipeline.
func (s *Store) ResetForRetry(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE segments SET
			transcription_status = $2,
			transcript_text = NULL,
			transcription_method = NULL,
			retry_count = 0,
			last_error = NULL
		WHERE id = $1
	`, id, string(TranscriptionNotStarted))
	if err != nil {
		return fmt.Errorf("reset for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListPendingTranscriptions returns all segments awaiting (re)transcription,
// oldest first. This is the resumption entry point after a crash or restart.
func (s *Store) ListPendingTranscriptions(ctx context.Context) ([]Segment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE transcription_status IN ($1, $2)
		ORDER BY created_at, id
	`, string(TranscriptionNotStarted), string(TranscriptionFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *seg)
	}
	return result, rows.Err()
}

// ListSessionPending returns one session's segments awaiting transcription,
// oldest first. Used when a stopped session flushes its backlog.
func (s *Store) ListSessionPending(ctx context.Context, sessionID int64) ([]Segment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE session_id = $1 AND transcription_status IN ($2, $3)
		ORDER BY idx
	`, sessionID, string(TranscriptionNotStarted), string(TranscriptionFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *seg)
	}
	return result, rows.Err()
}
