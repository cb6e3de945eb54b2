package recorder

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const wavHeaderSize = 44

// EncodeWAV renders mono float32 samples as a 16-bit PCM WAV file body.
// Samples outside [-1, 1] are clamped.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	out := make([]byte, wavHeaderSize+dataSize)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(out[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(out[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                   // bits per sample

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[wavHeaderSize+i*2:], uint16(v))
	}
	return out
}

// SampleDuration converts a mono sample count to seconds.
func SampleDuration(sampleCount, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(sampleCount) / float64(sampleRate)
}

// WAVDuration reads a PCM WAV header and returns the audio duration in
// seconds. Used by the import watcher to register foreign recordings.
func WAVDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := f.Read(header); err != nil {
		return 0, fmt.Errorf("read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a WAV file: %s", path)
	}

	channels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])
	if channels == 0 || sampleRate == 0 || bitsPerSample == 0 {
		return 0, fmt.Errorf("malformed WAV header: %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	dataBytes := fi.Size() - wavHeaderSize
	if dataBytes < 0 {
		dataBytes = 0
	}
	bytesPerSecond := int64(sampleRate) * int64(channels) * int64(bitsPerSample/8)
	return float64(dataBytes) / float64(bytesPerSecond), nil
}
