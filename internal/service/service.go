package service

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/recorder"
	"github.com/audiolibrelab/tapedeck/internal/storage"
)

var (
	// ErrNoAvailableSpace is reported to listeners when a recording was
	// stopped because the disk is nearly full.
	ErrNoAvailableSpace = errors.New("no available space")
	// ErrNoRecorder means SetRecorder was never called.
	ErrNoRecorder = errors.New("no recorder set")
	// ErrNoFileProvider means StartNewRecording was called without a file repository.
	ErrNoFileProvider = errors.New("no file provider set")
)

// spaceCheckInterval throttles the free space probe while recording.
const spaceCheckInterval = time.Second

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusIdle      RecordingStatus = "IDLE"
	StatusCapturing RecordingStatus = "CAPTURING"
	StatusRecording RecordingStatus = "RECORDING"
	StatusPaused    RecordingStatus = "PAUSED"
)

// Listener receives recording events from an AppRecorder. OnProgress runs on
// the recorder's ticker goroutine; the other methods run on the goroutine
// that issued the command.
type Listener interface {
	OnRecordingStarted()
	OnRecordingPaused()
	OnRecordingStopped(file string)
	OnProgress(elapsed time.Duration, amplitude int, active bool)
	OnError(err error)
}

// NopListener implements Listener with empty methods. Embed it to handle
// only some events.
type NopListener struct{}

func (NopListener) OnRecordingStarted() {}
func (NopListener) OnRecordingPaused() {}
func (NopListener) OnRecordingStopped(string) {}
func (NopListener) OnProgress(time.Duration, int, bool) {}
func (NopListener) OnError(error) {}

// SpaceChecker reports whether there is room for more recording.
type SpaceChecker interface {
	HasAvailableSpace() bool
}

// RecordingSession contains information about the current recording segment
type RecordingSession struct {
	OutputFile string        `json:"output_file"`
	FileName   string        `json:"file_name"`
	StartTime  time.Time     `json:"start_time"`
	Elapsed    time.Duration `json:"elapsed"`
	Amplitude  int           `json:"amplitude"`
}

// AppRecorder multiplexes one Recorder's callbacks to any number of
// listeners, stops recordings when the disk fills up and keeps the
// amplitudes of the current segment for waveform drawing.
type AppRecorder struct {
	recMu    sync.RWMutex
	recorder recorder.Recorder
	files    *storage.FileRepository
	space    SpaceChecker

	listenersMu sync.RWMutex
	listeners   []Listener

	sessionMu sync.RWMutex
	session   *RecordingSession
	data      []int

	// controlMu orders recording starts against the asynchronous space
	// stop; segment counts successful starts
	controlMu sync.Mutex
	segment   atomic.Uint64

	// spaceStopFor holds segment+1 of the last segment stopped for space
	spaceStopFor atomic.Uint64

	spaceMu        sync.Mutex
	lastSpaceCheck time.Time
	now            func() time.Time

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates an AppRecorder. files and space may be nil: without files
// StartNewRecording fails, without space no free-space check is done.
func New(rec recorder.Recorder, files *storage.FileRepository, space SpaceChecker) *AppRecorder {
	a := &AppRecorder{files: files, space: space, now: time.Now}
	if rec != nil {
		a.SetRecorder(rec)
	}
	return a
}

// AddListener registers l for recording events. Adding the same listener
// twice has no effect.
func (a *AppRecorder) AddListener(l Listener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()

	for _, existing := range a.listeners {
		if existing == l {
			return
		}
	}
	a.listeners = append(a.listeners, l)
}

// RemoveListener unregisters l.
func (a *AppRecorder) RemoveListener(l Listener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()

	for i, existing := range a.listeners {
		if existing == l {
			a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
			return
		}
	}
}

// SetRecorder replaces the active recorder. A previous, different recorder
// is released first.
func (a *AppRecorder) SetRecorder(rec recorder.Recorder) {
	a.recMu.Lock()
	old := a.recorder
	a.recorder = rec
	a.recMu.Unlock()

	if old != nil && old != rec {
		if err := old.Release(); err != nil {
			slog.Warn("Failed to release previous recorder", "error", err)
		}
	}
	if rec != nil {
		rec.SetCallback(a)
	}
}

// ReplaceIdleRecorder swaps in the recorder built by next unless a
// recording or monitoring session is running. A recorder that is only
// capturing is released. It reports whether the swap happened; next is
// not called when it did not.
func (a *AppRecorder) ReplaceIdleRecorder(next func() (recorder.Recorder, error)) (bool, error) {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()

	if a.IsActive() {
		return false, nil
	}
	rec, err := next()
	if err != nil {
		return false, err
	}
	a.SetRecorder(rec)
	return true, nil
}

// SetStorage replaces the file repository and space checker used for new
// recordings.
func (a *AppRecorder) SetStorage(files *storage.FileRepository, space SpaceChecker) {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	a.files = files
	a.space = space
}

// Prepare passes the session parameters to the recorder.
func (a *AppRecorder) Prepare(channels, sampleRate, bitrate int) error {
	rec, err := a.rec()
	if err != nil {
		return err
	}
	slog.Debug("AppRecorder.Prepare called", "channels", channels, "sample_rate", sampleRate, "bitrate", bitrate)
	return rec.Prepare(channels, sampleRate, bitrate)
}

// StartRecording records into path, which must already exist.
func (a *AppRecorder) StartRecording(path string) error {
	rec, err := a.rec()
	if err != nil {
		return err
	}

	slog.Debug("AppRecorder.StartRecording called", "path", path)
	a.clearLastError()

	a.sessionMu.Lock()
	prevSession, prevData := a.session, a.data
	a.session = &RecordingSession{
		OutputFile: path,
		FileName:   filepath.Base(path),
		StartTime:  time.Now(),
	}
	a.data = nil
	a.sessionMu.Unlock()

	a.controlMu.Lock()
	err = rec.StartRecording(path)
	if err == nil {
		a.segment.Add(1)
	}
	a.controlMu.Unlock()

	if err != nil {
		a.sessionMu.Lock()
		a.session, a.data = prevSession, prevData
		a.sessionMu.Unlock()

		a.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}

	a.spaceMu.Lock()
	a.lastSpaceCheck = time.Time{}
	a.spaceMu.Unlock()
	return nil
}

// StartNewRecording asks the file repository for a new file and starts
// recording into it. It returns the file path.
func (a *AppRecorder) StartNewRecording() (string, error) {
	a.recMu.RLock()
	files := a.files
	a.recMu.RUnlock()

	if files == nil {
		return "", ErrNoFileProvider
	}

	return a.startProvided(files, files.ProvideRecordFile)
}

// StartNamedRecording creates name in the recordings directory and starts
// recording into it. A name without an extension gets the repository's.
// Existing files are never reused; a taken name gets a "1" prefix.
func (a *AppRecorder) StartNamedRecording(name string) (string, error) {
	a.recMu.RLock()
	files := a.files
	a.recMu.RUnlock()

	if files == nil {
		return "", ErrNoFileProvider
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty name", storage.ErrCantCreateFile)
	}
	if filepath.Ext(name) == "" {
		name += "." + files.Extension()
	}
	return a.startProvided(files, func() (string, error) {
		return files.ProvideRecordFileNamed(name)
	})
}

func (a *AppRecorder) startProvided(files *storage.FileRepository, provide func() (string, error)) (string, error) {
	path, err := provide()
	if err != nil {
		a.setLastError(fmt.Sprintf("Failed to create record file: %v", err))
		return "", err
	}

	if err := a.StartRecording(path); err != nil {
		if delErr := files.DeleteRecordFile(path); delErr != nil {
			slog.Warn("Failed to remove unused record file", "path", path, "error", delErr)
		}
		return "", err
	}
	return path, nil
}

func (a *AppRecorder) PauseRecording() error {
	rec, err := a.rec()
	if err != nil {
		return err
	}
	return rec.PauseRecording()
}

func (a *AppRecorder) ResumeRecording() error {
	rec, err := a.rec()
	if err != nil {
		return err
	}
	return rec.ResumeRecording()
}

// StopRecording finalizes the current recording. Capture keeps running if
// monitoring is active.
func (a *AppRecorder) StopRecording() error {
	rec, err := a.rec()
	if err != nil {
		return err
	}
	if err := rec.StopRecording(); err != nil {
		a.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}
	return nil
}

func (a *AppRecorder) StartMonitoring() error {
	rec, err := a.rec()
	if err != nil {
		return err
	}
	if err := rec.StartMonitoring(); err != nil {
		a.setLastError(fmt.Sprintf("Failed to start monitoring: %v", err))
		return err
	}
	return nil
}

func (a *AppRecorder) StopMonitoring() error {
	rec, err := a.rec()
	if err != nil {
		return err
	}
	return rec.StopMonitoring()
}

func (a *AppRecorder) SupportsMonitoring() bool {
	rec, err := a.rec()
	return err == nil && rec.SupportsMonitoring()
}

func (a *AppRecorder) IsRecording() bool {
	rec, err := a.rec()
	return err == nil && rec.IsRecording()
}

func (a *AppRecorder) IsPaused() bool {
	rec, err := a.rec()
	return err == nil && rec.IsPaused()
}

func (a *AppRecorder) IsMonitoring() bool {
	rec, err := a.rec()
	return err == nil && rec.IsMonitoring()
}

// IsActive reports whether a recording or monitoring session is running.
// A recorder that is only capturing can be replaced without losing audio.
func (a *AppRecorder) IsActive() bool {
	return a.IsRecording() || a.IsMonitoring()
}

// Status returns the current recorder state
func (a *AppRecorder) Status() RecordingStatus {
	rec, err := a.rec()
	if err != nil {
		return StatusIdle
	}

	// Convert from recorder.Status to service.RecordingStatus
	switch rec.Status() {
	case recorder.StatusCapturing:
		return StatusCapturing
	case recorder.StatusRecording:
		return StatusRecording
	case recorder.StatusPaused:
		return StatusPaused
	default:
		return StatusIdle
	}
}

// Session returns a copy of the current or last recording segment, or nil
// if nothing was recorded yet.
func (a *AppRecorder) Session() *RecordingSession {
	a.sessionMu.RLock()
	defer a.sessionMu.RUnlock()

	if a.session == nil {
		return nil
	}
	s := *a.session
	return &s
}

// RecordingData returns the amplitudes collected for the current segment,
// one per active progress tick.
func (a *AppRecorder) RecordingData() []int {
	a.sessionMu.RLock()
	defer a.sessionMu.RUnlock()
	return append([]int(nil), a.data...)
}

// Release stops every activity, releases the recorder and drops all
// listeners.
func (a *AppRecorder) Release() error {
	a.recMu.Lock()
	rec := a.recorder
	a.recorder = nil
	a.recMu.Unlock()

	var err error
	if rec != nil {
		err = rec.Release()
	}

	a.listenersMu.Lock()
	a.listeners = nil
	a.listenersMu.Unlock()
	return err
}

// LastError returns the last error message
func (a *AppRecorder) LastError() string {
	a.lastErrorMutex.RLock()
	defer a.lastErrorMutex.RUnlock()
	return a.lastError
}

func (a *AppRecorder) setLastError(err string) {
	a.lastErrorMutex.Lock()
	defer a.lastErrorMutex.Unlock()
	a.lastError = err

	slog.Error("Recorder error occurred", "error_message", err)
}

func (a *AppRecorder) clearLastError() {
	a.lastErrorMutex.Lock()
	defer a.lastErrorMutex.Unlock()
	a.lastError = ""
}

func (a *AppRecorder) rec() (recorder.Recorder, error) {
	a.recMu.RLock()
	defer a.recMu.RUnlock()
	if a.recorder == nil {
		return nil, ErrNoRecorder
	}
	return a.recorder, nil
}

func (a *AppRecorder) snapshot() []Listener {
	a.listenersMu.RLock()
	defer a.listenersMu.RUnlock()
	return append([]Listener(nil), a.listeners...)
}

// OnStartRecord implements recorder.Callback.
func (a *AppRecorder) OnStartRecord() {
	for _, l := range a.snapshot() {
		l.OnRecordingStarted()
	}
}

// OnPauseRecord implements recorder.Callback.
func (a *AppRecorder) OnPauseRecord() {
	for _, l := range a.snapshot() {
		l.OnRecordingPaused()
	}
}

// OnStopRecord implements recorder.Callback.
func (a *AppRecorder) OnStopRecord(path string) {
	slog.Info("Recording finished", "file", path)
	for _, l := range a.snapshot() {
		l.OnRecordingStopped(path)
	}
}

// OnProgress implements recorder.Callback.
func (a *AppRecorder) OnProgress(elapsed time.Duration, amplitude int, active bool) {
	a.sessionMu.Lock()
	if a.session != nil && active {
		a.session.Elapsed = elapsed
		a.session.Amplitude = amplitude
		a.data = append(a.data, amplitude)
	}
	a.sessionMu.Unlock()

	for _, l := range a.snapshot() {
		l.OnProgress(elapsed, amplitude, active)
	}

	if active {
		a.checkSpace()
	}
}

// OnError implements recorder.Callback.
func (a *AppRecorder) OnError(err error) {
	a.setLastError(err.Error())
	for _, l := range a.snapshot() {
		l.OnError(err)
	}
}

// checkSpace stops the recording once per segment when the space checker
// reports a nearly full disk, probing at most once per spaceCheckInterval.
// The stop runs on its own goroutine because this is called from the
// recorder's ticker, and is dropped if a new segment started meanwhile.
func (a *AppRecorder) checkSpace() {
	a.recMu.RLock()
	space := a.space
	a.recMu.RUnlock()

	if space == nil || !a.spaceCheckDue() || space.HasAvailableSpace() {
		return
	}

	segment := a.segment.Load()
	stopped := a.spaceStopFor.Load()
	if stopped == segment+1 || !a.spaceStopFor.CompareAndSwap(stopped, segment+1) {
		return
	}

	slog.Warn("Stopping recording, no available space")
	go func() {
		a.controlMu.Lock()
		defer a.controlMu.Unlock()

		if a.segment.Load() != segment {
			slog.Debug("Recording restarted, space stop dropped", "segment", segment)
			return
		}
		if err := a.StopRecording(); err != nil {
			slog.Error("Failed to stop recording", "error", err)
		}
		a.OnError(ErrNoAvailableSpace)
	}()
}

func (a *AppRecorder) spaceCheckDue() bool {
	a.spaceMu.Lock()
	defer a.spaceMu.Unlock()

	now := a.now()
	if !a.lastSpaceCheck.IsZero() && now.Sub(a.lastSpaceCheck) < spaceCheckInterval {
		return false
	}
	a.lastSpaceCheck = now
	return true
}
