package audio

import (
	"errors"
	"strings"
)

// ErrStopped is returned by Source.Read once Stop has been called.
var ErrStopped = errors.New("audio source stopped")

// Source is a microphone opened for blocking reads of fixed-size blocks.
type Source interface {
	// MinBufferSize reports the smallest read block, in bytes, the device
	// accepts for f. A non-positive size or an error means the probe was
	// invalid.
	MinBufferSize(f Format) (int, error)

	// Open acquires the device. bufferSize is the block size Read fills.
	Open(f Format, bufferSize int) error

	// Read blocks for roughly one block duration and fills p.
	Read(p []byte) (int, error)

	// Discard drops audio the device captured but Read has not returned
	// yet. It is called from the reading goroutine.
	Discard() error

	// Stop makes a pending or future Read return ErrStopped.
	Stop() error

	// Close releases the device. Close is safe on a never-opened Source.
	Close() error
}

// Sink is a speaker that plays blocks as soon as they are written.
type Sink interface {
	Open(f Format, bufferSize int) error
	Write(p []byte) (int, error)
	Close() error
}

// Device represents an audio endpoint reported by a driver
type Device struct {
	ID      string
	Name    string
	Input   bool
	Output  bool
	Default bool
}

// Driver opens Sources and Sinks on a concrete audio stack.
type Driver interface {
	NewSource() Source
	NewSink() Sink
	ListDevices() ([]Device, error)
	Close() error
}

// DriverType represents the audio stack behind a Driver
type DriverType string

const (
	DriverTypePortAudio DriverType = "portaudio"
	DriverTypeMalgo     DriverType = "malgo"
)

// NewDriver initializes the driver selected by name. input and output
// select devices by name; empty means the system default.
func NewDriver(name, input, output string) (Driver, error) {
	switch determineDriver(name) {
	case DriverTypeMalgo:
		return NewMalgo(input, output)
	default:
		return NewPortAudio(input, output)
	}
}

func determineDriver(name string) DriverType {
	switch strings.ToLower(name) {
	case "malgo", "miniaudio":
		return DriverTypeMalgo
	default:
		return DriverTypePortAudio
	}
}

// GetAvailableDrivers returns the drivers compiled into this build
func GetAvailableDrivers() []DriverType {
	return []DriverType{DriverTypePortAudio, DriverTypeMalgo}
}
