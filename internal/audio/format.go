package audio

import (
	"fmt"
	"time"
)

// BitDepth is the sample width of every PCM stream this package moves.
const BitDepth = 16

const bytesPerSample = BitDepth / 8

// Format describes an interleaved signed 16-bit little-endian PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate rejects formats no device can be opened with.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	return nil
}

// BlockAlign is the size in bytes of one sample frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * bytesPerSample
}

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Duration returns how long n bytes of audio play for.
func (f Format) Duration(n int) time.Duration {
	if f.ByteRate() == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.ByteRate())
}

// AlignBuffer rounds n up to a whole number of sample frames.
func (f Format) AlignBuffer(n int) int {
	block := f.BlockAlign()
	if block == 0 {
		return n
	}
	if rem := n % block; rem != 0 {
		n += block - rem
	}
	return n
}
