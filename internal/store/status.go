package store

import "fmt"

// RecordingStatus is the lifecycle state of a session.
type RecordingStatus string

const (
	RecordingActive    RecordingStatus = "recording"
	RecordingPaused    RecordingStatus = "paused"
	RecordingCompleted RecordingStatus = "completed"
	RecordingFailed    RecordingStatus = "failed"
)

// ParseRecordingStatus decodes a persisted recording status string.
// Unknown values are a schema error, never silently defaulted.
func ParseRecordingStatus(s string) (RecordingStatus, error) {
	switch RecordingStatus(s) {
	case RecordingActive, RecordingPaused, RecordingCompleted, RecordingFailed:
		return RecordingStatus(s), nil
	}
	return "", fmt.Errorf("unknown recording status %q", s)
}

// TranscriptionStatus is the transcription state of a segment.
type TranscriptionStatus string

const (
	TranscriptionNotStarted TranscriptionStatus = "not_started"
	TranscriptionInProgress TranscriptionStatus = "in_progress"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
	TranscriptionSkipped    TranscriptionStatus = "skipped"
)

// ParseTranscriptionStatus decodes a persisted transcription status string.
func ParseTranscriptionStatus(s string) (TranscriptionStatus, error) {
	switch TranscriptionStatus(s) {
	case TranscriptionNotStarted, TranscriptionInProgress, TranscriptionCompleted,
		TranscriptionFailed, TranscriptionSkipped:
		return TranscriptionStatus(s), nil
	}
	return "", fmt.Errorf("unknown transcription status %q", s)
}

// Method identifies which transcription path produced a segment's text.
type Method string

const (
	MethodLocal  Method = "local"
	MethodRemote Method = "remote"
	// MethodRemoteFallback is accepted on decode for rows written by older
	// builds; the pipeline stores fallback results as MethodLocal with a
	// marker suffix and never writes this value.
	MethodRemoteFallback Method = "remote_fallback"
)

// ParseMethod decodes a persisted transcription method string.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodLocal, MethodRemote, MethodRemoteFallback:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown transcription method %q", s)
}
