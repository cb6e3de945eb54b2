package transcribe

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// LocalClient runs an on-device whisper.cpp CLI as the offline fallback
// engine. No network assumptions: the binary reads the audio file and prints
// the transcript to stdout.
type LocalClient struct {
	bin     string // e.g. "whisper-cli"
	model   string // model file path, empty uses the binary's default
	timeout time.Duration
}

// NewLocalClient creates a CLI-backed local transcription client.
func NewLocalClient(bin, model string, timeout time.Duration) *LocalClient {
	return &LocalClient{bin: bin, model: model, timeout: timeout}
}

// Name returns the provider name.
func (lc *LocalClient) Name() string { return "local" }

// Transcribe runs the local engine on one audio file.
func (lc *LocalClient) Transcribe(ctx context.Context, audioPath string, opts Opts) (*Result, error) {
	if _, err := exec.LookPath(lc.bin); err != nil {
		return nil, newError(KindLocalUnavailable, 0, "local engine %q not found in PATH", lc.bin)
	}

	if lc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lc.timeout)
		defer cancel()
	}

	args := []string{"--no-timestamps", "--no-prints"}
	if lc.model != "" {
		args = append(args, "-m", lc.model)
	}
	if opts.Language != "" {
		args = append(args, "-l", opts.Language)
	}
	args = append(args, "-f", audioPath)

	cmd := exec.CommandContext(ctx, lc.bin, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, newError(KindLocalUnavailable, 0,
				"local engine failed: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, newError(KindLocalUnavailable, 0, "run local engine: %v", err)
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		text = NoSpeechText
	}
	return &Result{Text: text}, nil
}
