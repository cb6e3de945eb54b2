package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Session is a recording session row.
type Session struct {
	ID                 int64           `json:"id"`
	BaseName           string          `json:"base_name"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            *time.Time      `json:"end_time,omitempty"`
	RecordingStatus    RecordingStatus `json:"recording_status"`
	SegmentCount       int             `json:"segment_count"`
	TotalDuration      float64         `json:"total_duration"`
	CombinedTranscript string          `json:"combined_transcript"`
	CreatedAt          time.Time       `json:"created_at"`
}

const sessionColumns = `id, base_name, start_time, end_time, recording_status,
	segment_count, total_duration, combined_transcript, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var status string
	err := row.Scan(
		&s.ID, &s.BaseName, &s.StartTime, &s.EndTime, &status,
		&s.SegmentCount, &s.TotalDuration, &s.CombinedTranscript, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.RecordingStatus, err = ParseRecordingStatus(status)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession opens a new recording session.
func (s *Store) CreateSession(ctx context.Context, baseName string) (*Session, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO sessions (base_name, start_time, recording_status)
		VALUES ($1, now(), $2)
		RETURNING `+sessionColumns,
		baseName, string(RecordingActive),
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListSessions returns sessions newest-first with a total count.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY start_time DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *sess)
	}
	return result, total, rows.Err()
}

// SetRecordingStatus updates a session's recording status (recording/paused/failed).
func (s *Store) SetRecordingStatus(ctx context.Context, id int64, status RecordingStatus) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE sessions SET recording_status = $2 WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CompleteSession marks the session completed and stamps its end time.
func (s *Store) CompleteSession(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE sessions SET recording_status = $2, end_time = now()
		WHERE id = $1
	`, id, string(RecordingCompleted))
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteSession removes a session and (via cascade) its segments. It returns
// the audio keys of the deleted segments so the caller can remove the
// underlying assets best-effort.
func (s *Store) DeleteSession(ctx context.Context, id int64) ([]string, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT audio_key FROM segments WHERE session_id = $1`, id)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, pgx.ErrNoRows
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return keys, nil
}

// RecomputeTranscript rebuilds the session's combined transcript from its
// completed segments ordered by start offset, texts joined with a single
// space. The operation is idempotent.
func (s *Store) RecomputeTranscript(ctx context.Context, sessionID int64) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := recomputeTranscript(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// recomputeTranscript updates sessions.combined_transcript inside an open
// transaction so success-recording and transcript assembly commit atomically.
func recomputeTranscript(ctx context.Context, tx pgx.Tx, sessionID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE sessions SET combined_transcript = COALESCE((
			SELECT string_agg(transcript_text, ' ' ORDER BY start_offset)
			FROM segments
			WHERE session_id = $1
			  AND transcription_status = $2
			  AND transcript_text IS NOT NULL
		), '')
		WHERE id = $1
	`, sessionID, string(TranscriptionCompleted))
	if err != nil {
		return fmt.Errorf("recompute transcript: %w", err)
	}
	return nil
}
