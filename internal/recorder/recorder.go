package recorder

import (
	"errors"
	"time"
)

// Status represents the current state of a recorder
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusCapturing Status = "CAPTURING"
	StatusRecording Status = "RECORDING"
	StatusPaused    Status = "PAUSED"
)

var (
	// ErrRecorderInit means the input device could not be opened.
	ErrRecorderInit = errors.New("recorder initialization failed")
	// ErrInvalidOutputFile means the record target is missing or not a regular file.
	ErrInvalidOutputFile = errors.New("invalid output file")
	// ErrMonitorUnavailable means live monitoring cannot be started.
	ErrMonitorUnavailable = errors.New("monitoring unavailable")
	// ErrNotPrepared means a command arrived before Prepare.
	ErrNotPrepared = errors.New("recorder not prepared")
)

// Callback receives recorder events. Methods are called from the goroutine
// that issued the command, except OnProgress which runs on the ticker
// goroutine. Implementations must not call back into the recorder
// synchronously.
type Callback interface {
	OnStartRecord()
	OnPauseRecord()
	OnStopRecord(path string)
	OnProgress(elapsed time.Duration, amplitude int, active bool)
	OnError(err error)
}

// Recorder is implemented by every capture backend.
type Recorder interface {
	SetCallback(cb Callback)

	// Prepare stores the session parameters. It does not touch any device.
	Prepare(channels, sampleRate, bitrate int) error

	StartRecording(path string) error
	PauseRecording() error
	ResumeRecording() error
	StopRecording() error

	StartMonitoring() error
	StopMonitoring() error

	// Release stops every activity and frees device handles.
	Release() error

	IsRecording() bool
	IsPaused() bool
	IsMonitoring() bool
	SupportsMonitoring() bool
	Status() Status
}

type callbackBox struct{ Callback }

type nopCallback struct{}

func (nopCallback) OnStartRecord() {}
func (nopCallback) OnPauseRecord() {}
func (nopCallback) OnStopRecord(string) {}
func (nopCallback) OnProgress(time.Duration, int, bool) {}
func (nopCallback) OnError(error) {}
