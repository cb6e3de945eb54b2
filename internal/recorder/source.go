package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrEndOfStream is returned by a Source when the capture stream ends.
var ErrEndOfStream = errors.New("end of capture stream")

// ErrCaptureUnavailable means the audio source could not be opened.
var ErrCaptureUnavailable = errors.New("capture source unavailable")

// Source is a pull-based capture source delivering mono float32 PCM frames.
type Source interface {
	Open() error
	// ReadNextBuffer blocks until the next frame of samples is available,
	// returning ErrEndOfStream when the stream ends.
	ReadNextBuffer() ([]float32, error)
	SampleRate() int
	Close() error
}

// CommandSource captures audio by running an external command (typically
// ffmpeg or arecord) that writes raw little-endian float32 mono PCM to
// stdout at a fixed sample rate.
type CommandSource struct {
	command    string
	sampleRate int
	log        zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	raw    []byte
}

// readChunkSamples is the frame size pulled per ReadNextBuffer call
// (~93ms at 44.1kHz).
const readChunkSamples = 4096

// NewCommandSource creates a source backed by the given capture command
// line. An empty command yields ErrCaptureUnavailable on Open.
func NewCommandSource(command string, sampleRate int, log zerolog.Logger) *CommandSource {
	return &CommandSource{
		command:    command,
		sampleRate: sampleRate,
		log:        log.With().Str("component", "capture").Logger(),
		raw:        make([]byte, readChunkSamples*4),
	}
}

func (s *CommandSource) SampleRate() int { return s.sampleRate }

// Open starts the capture command and attaches to its stdout.
func (s *CommandSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := strings.Fields(s.command)
	if len(fields) == 0 {
		return fmt.Errorf("%w: no capture command configured", ErrCaptureUnavailable)
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.log.Info().Str("command", fields[0]).Int("sample_rate", s.sampleRate).Msg("capture started")
	return nil
}

// ReadNextBuffer reads the next chunk of raw samples from the capture
// command. A short final read is returned as a short buffer.
func (s *CommandSource) ReadNextBuffer() ([]float32, error) {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()
	if stdout == nil {
		return nil, ErrEndOfStream
	}

	n, err := io.ReadFull(stdout, s.raw)
	if n == 0 {
		if err != nil {
			return nil, ErrEndOfStream
		}
		return nil, nil
	}
	n -= n % 4 // drop a torn trailing sample

	samples := make([]float32, n/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(s.raw[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// Close stops the capture command. Safe to call more than once.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
	s.log.Info().Msg("capture stopped")
	if err != nil && !isKillExit(err) {
		return err
	}
	return nil
}

func isKillExit(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}
