package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/audio"
	"github.com/audiolibrelab/tapedeck/internal/wav"
)

const minPauseSleep = time.Millisecond

type captureState int32

const (
	stateIdle captureState = iota
	stateCapturing
	stateRecording
	statePaused
)

func (s captureState) status() Status {
	switch s {
	case stateCapturing:
		return StatusCapturing
	case stateRecording:
		return StatusRecording
	case statePaused:
		return StatusPaused
	default:
		return StatusIdle
	}
}

// WavRecorder captures PCM from an audio.Source on its own goroutine and
// routes every block to a WAV file while recording and to an audio.Sink
// while monitoring.
type WavRecorder struct {
	driver   audio.Driver
	interval time.Duration

	// mu serializes control calls and callback delivery
	mu       sync.Mutex
	format   audio.Format
	prepared bool

	cb atomic.Pointer[callbackBox]

	// state is shared by the capture loop, the ticker and control calls
	state      atomic.Int32
	monitoring atomic.Bool
	// discard asks the capture loop to drop input queued during a pause
	discard    atomic.Bool
	amplitude  atomic.Int64
	processed  atomic.Int64

	source     audio.Source
	bufferSize int
	loopDone   chan struct{}
	ticker     *Ticker

	// segMu guards the open recording segment
	segMu  sync.Mutex
	path   string
	writer *wav.Writer

	sinkMu sync.Mutex
	sink   audio.Sink
}

// NewWavRecorder returns a recorder that opens devices through driver and
// reports progress every interval.
func NewWavRecorder(driver audio.Driver, interval time.Duration) *WavRecorder {
	return &WavRecorder{
		driver:   driver,
		interval: interval,
	}
}

func (r *WavRecorder) SetCallback(cb Callback) {
	if cb == nil {
		cb = nopCallback{}
	}
	r.cb.Store(&callbackBox{cb})
}

// Prepare stores the stream format. The bitrate is ignored; the device is
// only opened once capturing starts, so an invalid format surfaces as
// ErrRecorderInit at that point.
func (r *WavRecorder) Prepare(channels, sampleRate, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.loadState(); st != stateIdle {
		return fmt.Errorf("cannot prepare while %s", st.status())
	}

	r.format = audio.Format{SampleRate: sampleRate, Channels: channels}
	r.prepared = true
	slog.Debug("WAV recorder prepared", "sample_rate", sampleRate, "channels", channels)
	return nil
}

func (r *WavRecorder) StartRecording(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.prepared {
		return ErrNotPrepared
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return r.fail(fmt.Errorf("%w: %s", ErrInvalidOutputFile, path))
	}

	switch r.loadState() {
	case stateRecording, statePaused:
		slog.Debug("Restarting recording", "previous", r.currentPath(), "next", path)
		r.stopRecordingLocked()
	case stateIdle:
		if err := r.startCapturingLocked(); err != nil {
			return err
		}
	}

	r.segMu.Lock()
	r.path = path
	r.writer = nil
	r.segMu.Unlock()

	r.ticker.Reset()
	r.setState(stateRecording)
	r.callback().OnStartRecord()

	slog.Info("Recording started", "path", path)
	return nil
}

func (r *WavRecorder) PauseRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.loadState(); st != stateRecording {
		slog.Debug("Pause ignored", "status", st.status())
		return nil
	}

	r.setState(statePaused)
	r.callback().OnPauseRecord()
	slog.Info("Recording paused")
	return nil
}

func (r *WavRecorder) ResumeRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.loadState(); st != statePaused {
		slog.Debug("Resume ignored", "status", st.status())
		return nil
	}

	r.discard.Store(true)
	r.setState(stateRecording)
	r.callback().OnStartRecord()
	slog.Info("Recording resumed")
	return nil
}

// StopRecording finalizes the current file. Capturing continues.
func (r *WavRecorder) StopRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopRecordingLocked()
	return nil
}

func (r *WavRecorder) stopRecordingLocked() {
	st := r.loadState()
	if st != stateRecording && st != statePaused {
		slog.Debug("Stop ignored", "status", st.status())
		return
	}

	r.setState(stateCapturing)

	r.segMu.Lock()
	path := r.closeSegmentLocked()
	r.segMu.Unlock()

	r.callback().OnStopRecord(path)
	slog.Info("Recording stopped", "path", path)
}

// closeSegmentLocked closes and finalizes the open segment. A segment that
// never received a frame still gets a header. Finalize failures leave the
// file with a zero-length header and are only logged.
func (r *WavRecorder) closeSegmentLocked() string {
	path := r.path
	if path == "" {
		return ""
	}

	if r.writer == nil {
		w, err := wav.Create(path, r.format)
		if err != nil {
			slog.Error("Failed to create container", "path", path, "error", err)
		}
		r.writer = w
	}
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			slog.Error("Failed to close container", "path", path, "error", err)
		}
		if err := wav.Finalize(path, r.format); err != nil {
			slog.Error("Failed to finalize container", "path", path, "error", err)
		}
	}

	r.writer = nil
	r.path = ""
	return path
}

func (r *WavRecorder) StartMonitoring() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.monitoring.Load() {
		return nil
	}
	if !r.prepared {
		return ErrNotPrepared
	}

	startedCapture := false
	if r.loadState() == stateIdle {
		if err := r.startCapturingLocked(); err != nil {
			return err
		}
		startedCapture = true
	}

	sink := r.driver.NewSink()
	if err := sink.Open(r.format, r.bufferSize); err != nil {
		sink.Close()
		if startedCapture {
			r.stopCapturingLocked()
		}
		return r.fail(fmt.Errorf("%w: %v", ErrMonitorUnavailable, err))
	}

	r.sinkMu.Lock()
	r.sink = sink
	r.sinkMu.Unlock()
	r.monitoring.Store(true)

	slog.Info("Monitoring started")
	return nil
}

func (r *WavRecorder) StopMonitoring() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopMonitoringLocked()
	return nil
}

func (r *WavRecorder) stopMonitoringLocked() {
	if !r.monitoring.Swap(false) {
		return
	}

	r.sinkMu.Lock()
	sink := r.sink
	r.sink = nil
	r.sinkMu.Unlock()

	if sink != nil {
		if err := sink.Close(); err != nil {
			slog.Error("Failed to close output device", "error", err)
		}
	}
	slog.Info("Monitoring stopped")
}

// Release stops recording, monitoring and capturing, in that order.
func (r *WavRecorder) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopRecordingLocked()
	r.stopMonitoringLocked()
	r.stopCapturingLocked()
	slog.Debug("WAV recorder released")
	return nil
}

func (r *WavRecorder) IsRecording() bool {
	st := r.loadState()
	return st == stateRecording || st == statePaused
}

func (r *WavRecorder) IsPaused() bool {
	return r.loadState() == statePaused
}

func (r *WavRecorder) IsMonitoring() bool {
	return r.monitoring.Load()
}

func (r *WavRecorder) SupportsMonitoring() bool {
	return true
}

func (r *WavRecorder) Status() Status {
	return r.loadState().status()
}

// Amplitude returns the peak of the most recent block.
func (r *WavRecorder) Amplitude() int {
	return int(r.amplitude.Load())
}

func (r *WavRecorder) startCapturingLocked() error {
	if r.loadState() != stateIdle {
		return nil
	}

	source := r.driver.NewSource()

	size, err := source.MinBufferSize(r.format)
	if err != nil || size <= 0 {
		slog.Debug("Buffer size probe invalid, retrying", "size", size, "error", err)
		size, err = source.MinBufferSize(r.format)
	}
	if err == nil && size <= 0 {
		err = fmt.Errorf("invalid buffer size %d", size)
	}
	if err == nil {
		size = r.format.AlignBuffer(size)
		err = source.Open(r.format, size)
	}
	if err != nil {
		source.Close()
		slog.Error("Failed to start capturing", "sample_rate", r.format.SampleRate, "channels", r.format.Channels, "error", err)
		return r.fail(fmt.Errorf("%w: %v", ErrRecorderInit, err))
	}

	r.source = source
	r.bufferSize = size
	r.amplitude.Store(0)
	r.loopDone = make(chan struct{})
	r.setState(stateCapturing)

	go r.captureLoop(source, size, r.loopDone)

	r.ticker = NewTicker(r.interval, r.progressSample, r.emitProgress)
	r.ticker.Start()

	slog.Debug("Capturing started", "buffer_size", size)
	return nil
}

// stopCapturingLocked halts the loop and the ticker before the device is
// closed, so neither touches a released handle.
func (r *WavRecorder) stopCapturingLocked() {
	if r.loadState() == stateIdle {
		return
	}

	r.setState(stateIdle)
	if err := r.source.Stop(); err != nil {
		slog.Debug("Failed to interrupt source", "error", err)
	}
	<-r.loopDone

	r.ticker.Stop()

	if err := r.source.Close(); err != nil {
		slog.Error("Failed to close input device", "error", err)
	}
	r.source = nil
	r.amplitude.Store(0)
	slog.Debug("Capturing stopped")
}

func (r *WavRecorder) captureLoop(source audio.Source, size int, done chan struct{}) {
	defer close(done)

	buf := make([]byte, size)
	pauseSleep := r.format.Duration(size) / 2
	if pauseSleep < minPauseSleep {
		pauseSleep = minPauseSleep
	}

	for {
		switch r.loadState() {
		case stateIdle:
			return
		case statePaused:
			time.Sleep(pauseSleep)
			continue
		}

		if r.discard.Swap(false) {
			if err := source.Discard(); err != nil {
				slog.Debug("Failed to discard buffered input", "error", err)
			}
		}

		n, err := source.Read(buf)
		if errors.Is(err, audio.ErrStopped) {
			return
		}
		if err != nil {
			slog.Error("Failed to read audio block", "error", err)
			time.Sleep(pauseSleep)
			continue
		}

		frame := buf[:n]
		r.amplitude.Store(int64(audio.Peak(frame)))
		r.monitorFrame(frame)
		r.recordFrame(frame)
		r.processed.Add(1)
	}
}

func (r *WavRecorder) monitorFrame(frame []byte) {
	if !r.monitoring.Load() {
		return
	}

	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()

	if r.sink == nil {
		return
	}
	if _, err := r.sink.Write(frame); err != nil {
		slog.Debug("Failed to write to output device", "error", err)
	}
}

// recordFrame appends frame to the current segment, opening the file on the
// first frame after StartRecording.
func (r *WavRecorder) recordFrame(frame []byte) {
	r.segMu.Lock()
	defer r.segMu.Unlock()

	if r.loadState() != stateRecording || r.path == "" {
		return
	}

	if r.writer == nil {
		slog.Debug("Opening file for recording", "path", r.path)
		w, err := wav.Create(r.path, r.format)
		if err != nil {
			slog.Error("Failed to open recording file", "path", r.path, "error", err)
			return
		}
		r.writer = w
	}

	if _, err := r.writer.Write(frame); err != nil {
		slog.Error("Failed to append audio block", "path", r.path, "error", err)
	}
}

func (r *WavRecorder) progressSample() (int, bool) {
	return r.Amplitude(), r.loadState() == stateRecording
}

func (r *WavRecorder) emitProgress(elapsed time.Duration, amplitude int, active bool) {
	r.callback().OnProgress(elapsed, amplitude, active)
}

// callback is read without mu; the ticker must not wait on a control call
// that is itself waiting for the ticker to stop.
func (r *WavRecorder) callback() Callback {
	if b := r.cb.Load(); b != nil {
		return b.Callback
	}
	return nopCallback{}
}

func (r *WavRecorder) currentPath() string {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	return r.path
}

// fail reports err through the callback and returns it.
func (r *WavRecorder) fail(err error) error {
	r.callback().OnError(err)
	return err
}

func (r *WavRecorder) loadState() captureState {
	return captureState(r.state.Load())
}

func (r *WavRecorder) setState(s captureState) {
	r.state.Store(int32(s))
}
