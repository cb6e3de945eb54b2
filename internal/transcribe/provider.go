package transcribe

import "context"

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audioPath string, opts Opts) (*Result, error)
	Name() string // "remote", "local"
}

// Opts are per-request options shared by all providers.
type Opts struct {
	// Language is an ISO-639 hint. Empty means auto-detect (field omitted).
	Language string
}

// Result is the common transcription result from any provider.
type Result struct {
	Text     string
	Language string
}

// NoSpeechText is the transcript stored for audio with no detectable speech.
// An empty or whitespace-only backend result is a success, not an error.
const NoSpeechText = "[no speech detected]"
