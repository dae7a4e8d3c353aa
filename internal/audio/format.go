// Package audio implements the playback and capture pipeline: a lock-free
// multi-producer queue feeding a player goroutine, a recorder goroutine
// broadcasting captured frames, and the PCM device abstractions they drive.
package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned for audio descriptors this build cannot
// play or capture.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

const (
	formatPrefix  = "PCM:"
	minSampleRate = 8000
	maxSampleRate = 48000
)

// Format describes mono, 16-bit signed little-endian PCM at a sample rate.
type Format struct {
	SampleRate int
}

// ParseFormat parses a "PCM:<sampleRateHz>" descriptor.
func ParseFormat(s string) (Format, error) {
	rest, ok := strings.CutPrefix(s, formatPrefix)
	if !ok {
		return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil {
		return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	f := Format{SampleRate: rate}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}

// Validate checks the sample rate range.
func (f Format) Validate() error {
	if f.SampleRate < minSampleRate || f.SampleRate > maxSampleRate {
		return fmt.Errorf("%w: sample rate %d out of range [%d, %d]",
			ErrUnsupportedFormat, f.SampleRate, minSampleRate, maxSampleRate)
	}
	return nil
}

func (f Format) String() string {
	return formatPrefix + strconv.Itoa(f.SampleRate)
}

// BytesPerSecond is the PCM data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * 2
}

// CaptureFrameBytes is the recorder block size: a fifth of a second,
// rounded down to a whole sample.
func (f Format) CaptureFrameBytes() int {
	return (f.SampleRate * 2 / 5) &^ 1
}

// SilenceBytes is the size of one silence block written by the player: a
// tenth of a second, rounded down to a whole sample.
func (f Format) SilenceBytes() int {
	return (f.SampleRate * 2 / 10) &^ 1
}

// Duration returns the playing time of n bytes of PCM.
func (f Format) Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(f.BytesPerSecond())
}
