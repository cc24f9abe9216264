package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/audio"
	"github.com/audiolibrelab/tapedeck/internal/config"
)

const (
	encoderStopTimeout = 5 * time.Second
	peakLevelKey       = "lavfi.astats.Overall.Peak_level="
)

// EncoderRecorder delegates capture, AAC encoding and the container to an
// ffmpeg process. It takes part in progress reporting only; amplitude comes
// from the peak level ffmpeg prints for every filtered frame. Monitoring is
// not supported. Where the process cannot be suspended, or encoder.pause is
// "stop", pause stops the recording.
type EncoderRecorder struct {
	cfg      config.EncoderConfig
	interval time.Duration

	mu         sync.Mutex
	channels   int
	sampleRate int
	bitrate    int
	prepared   bool

	cb        atomic.Pointer[callbackBox]
	state     atomic.Int32
	amplitude atomic.Int64

	proc     *encoderProcess
	stopping atomic.Bool
	path     string
	ticker   *Ticker

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
}

// encoderProcess is one running ffmpeg. err is valid once exited is closed.
type encoderProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func NewEncoderRecorder(cfg config.EncoderConfig, interval time.Duration) *EncoderRecorder {
	return &EncoderRecorder{cfg: cfg, interval: interval}
}

func (r *EncoderRecorder) SetCallback(cb Callback) {
	if cb == nil {
		cb = nopCallback{}
	}
	r.cb.Store(&callbackBox{cb})
}

func (r *EncoderRecorder) Prepare(channels, sampleRate, bitrate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.loadState(); st != stateIdle {
		return fmt.Errorf("cannot prepare while %s", st.status())
	}

	r.channels = channels
	r.sampleRate = sampleRate
	r.bitrate = bitrate
	r.prepared = true
	slog.Debug("Encoder recorder prepared", "sample_rate", sampleRate, "channels", channels, "bitrate", bitrate)
	return nil
}

func (r *EncoderRecorder) StartRecording(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.prepared {
		return ErrNotPrepared
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return r.fail(fmt.Errorf("%w: %s", ErrInvalidOutputFile, path))
	}

	if r.loadState() != stateIdle {
		r.stopRecordingLocked()
	}

	if err := r.startEncoder(path); err != nil {
		return r.fail(fmt.Errorf("%w: %v", ErrRecorderInit, err))
	}

	r.path = path
	r.amplitude.Store(0)
	r.setState(stateRecording)
	r.ticker = NewTicker(r.interval, r.progressSample, r.emitProgress)
	r.ticker.Start()
	r.callback().OnStartRecord()

	slog.Info("Encoder recording started", "path", path)
	return nil
}

// buildArgs constructs the ffmpeg argument list for one recording.
func (r *EncoderRecorder) buildArgs(path string) []string {
	inputFormat := r.cfg.InputFormat
	if inputFormat == "" {
		inputFormat = defaultInputFormat()
	}

	args := []string{"-hide_banner", "-nostats", "-nostdin"}
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		args = append(args, "-loglevel", level)
	}

	return append(args,
		"-f", inputFormat,
		"-i", r.cfg.InputDevice,
		"-ac", strconv.Itoa(r.channels),
		"-ar", strconv.Itoa(r.sampleRate),
		"-af", "astats=metadata=1:reset=1,ametadata=print:key=lavfi.astats.Overall.Peak_level:file=-",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(r.bitrate),
		"-y",
		path,
	)
}

func defaultInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "pulse"
	}
}

func (r *EncoderRecorder) startEncoder(path string) error {
	args := r.buildArgs(path)
	slog.Info("Starting encoder", "command", r.cfg.Command+" "+strings.Join(args, " "))

	cmd := exec.Command(r.cfg.Command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	r.stderrMu.Lock()
	r.stderrBuf.Reset()
	r.stderrMu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.cfg.Command, err)
	}

	proc := &encoderProcess{cmd: cmd, exited: make(chan struct{})}
	r.proc = proc
	r.stopping.Store(false)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		r.readLevels(stdout)
	}()
	go func() {
		defer readers.Done()
		r.readStderr(stderr)
	}()

	go func() {
		// pipes must be drained before Wait closes them
		readers.Wait()
		proc.err = cmd.Wait()
		close(proc.exited)
		r.watchExit(proc)
	}()

	return nil
}

// readLevels turns the peak levels ffmpeg prints into amplitudes.
func (r *EncoderRecorder) readLevels(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if amp, ok := parsePeakLevel(line); ok {
			r.amplitude.Store(int64(amp))
		}
	}
	pipe.Close()
}

func (r *EncoderRecorder) readStderr(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		r.stderrMu.Lock()
		r.stderrBuf.WriteString(line + "\n")
		r.stderrMu.Unlock()
		slog.Debug("Encoder output", "line", line)
	}
	pipe.Close()
}

// parsePeakLevel converts an astats peak level line in dBFS to a 0..32767
// amplitude.
func parsePeakLevel(line string) (int, bool) {
	value, ok := strings.CutPrefix(strings.TrimSpace(line), peakLevelKey)
	if !ok {
		return 0, false
	}
	if value == "-inf" {
		return 0, true
	}

	db, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}

	amp := int(math.Round(audio.MaxAmplitude * math.Pow(10, db/20)))
	if amp > audio.MaxAmplitude {
		amp = audio.MaxAmplitude
	}
	if amp < 0 {
		amp = 0
	}
	return amp, true
}

// watchExit handles an encoder that exits without being asked to.
func (r *EncoderRecorder) watchExit(proc *encoderProcess) {
	if r.stopping.Load() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proc != proc {
		return
	}

	r.stderrMu.Lock()
	output := strings.TrimSpace(r.stderrBuf.String())
	r.stderrMu.Unlock()
	slog.Error("Encoder exited unexpectedly", "error", proc.err, "output", output)

	path := r.path
	r.teardownLocked()
	r.fail(fmt.Errorf("%w: encoder exited: %v", ErrRecorderInit, proc.err))
	r.callback().OnStopRecord(path)
}

func (r *EncoderRecorder) PauseRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.loadState(); st != stateRecording {
		slog.Debug("Pause ignored", "status", st.status())
		return nil
	}

	if !canSuspend || strings.EqualFold(r.cfg.Pause, config.PauseStop) {
		slog.Info("Encoder pause stops the recording", "suspend_supported", canSuspend, "pause_mode", r.cfg.Pause)
		r.stopRecordingLocked()
		return nil
	}

	if err := suspendProcess(r.proc.cmd.Process); err != nil {
		return fmt.Errorf("failed to pause encoder: %w", err)
	}
	r.setState(statePaused)
	r.callback().OnPauseRecord()
	slog.Info("Encoder recording paused")
	return nil
}

func (r *EncoderRecorder) ResumeRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.loadState(); st != statePaused {
		slog.Debug("Resume ignored", "status", st.status())
		return nil
	}

	if err := resumeProcess(r.proc.cmd.Process); err != nil {
		return fmt.Errorf("failed to resume encoder: %w", err)
	}
	r.setState(stateRecording)
	r.callback().OnStartRecord()
	slog.Info("Encoder recording resumed")
	return nil
}

func (r *EncoderRecorder) StopRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stopRecordingLocked()
}

func (r *EncoderRecorder) stopRecordingLocked() error {
	st := r.loadState()
	if st != stateRecording && st != statePaused {
		slog.Debug("Stop ignored", "status", st.status())
		return nil
	}

	r.stopping.Store(true)
	if st == statePaused {
		if err := resumeProcess(r.proc.cmd.Process); err != nil {
			slog.Debug("Failed to resume encoder before stop", "error", err)
		}
	}

	err := r.stopEncoder()
	path := r.path
	r.teardownLocked()
	r.callback().OnStopRecord(path)

	slog.Info("Encoder recording stopped", "path", path)
	return err
}

// stopEncoder interrupts ffmpeg so it can write the container trailer, and
// kills it if it does not exit in time.
func (r *EncoderRecorder) stopEncoder() error {
	cmd, exited := r.proc.cmd, r.proc.exited

	slog.Debug("Sending interrupt to encoder")
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to interrupt encoder, killing", "error", err)
		cmd.Process.Kill()
	}

	select {
	case <-exited:
	case <-time.After(encoderStopTimeout):
		slog.Warn("Encoder did not exit within timeout, force killing")
		cmd.Process.Kill()
		<-exited
		return nil
	}

	err := r.proc.err
	if err == nil {
		slog.Debug("Encoder exited successfully")
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ffmpeg exits with 255 after a graceful interrupt
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if state := exitErr.ProcessState.String(); state == "signal: interrupt" || state == "signal: killed" {
			return nil
		}
	}

	r.stderrMu.Lock()
	slog.Debug("Encoder stderr", "output", r.stderrBuf.String())
	r.stderrMu.Unlock()
	return fmt.Errorf("encoder process failed: %w", err)
}

func (r *EncoderRecorder) teardownLocked() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	r.proc = nil
	r.path = ""
	r.amplitude.Store(0)
	r.setState(stateIdle)
}

func (r *EncoderRecorder) StartMonitoring() error {
	return r.fail(fmt.Errorf("%w: the encoder backend has no live output", ErrMonitorUnavailable))
}

func (r *EncoderRecorder) StopMonitoring() error {
	return nil
}

func (r *EncoderRecorder) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.stopRecordingLocked()
	slog.Debug("Encoder recorder released")
	return err
}

func (r *EncoderRecorder) IsRecording() bool {
	st := r.loadState()
	return st == stateRecording || st == statePaused
}

func (r *EncoderRecorder) IsPaused() bool {
	return r.loadState() == statePaused
}

func (r *EncoderRecorder) IsMonitoring() bool {
	return false
}

func (r *EncoderRecorder) SupportsMonitoring() bool {
	return false
}

func (r *EncoderRecorder) Status() Status {
	return r.loadState().status()
}

// Amplitude returns the most recent peak level reported by the encoder.
func (r *EncoderRecorder) Amplitude() int {
	return int(r.amplitude.Load())
}

func (r *EncoderRecorder) progressSample() (int, bool) {
	return r.Amplitude(), r.loadState() == stateRecording
}

func (r *EncoderRecorder) emitProgress(elapsed time.Duration, amplitude int, active bool) {
	r.callback().OnProgress(elapsed, amplitude, active)
}

func (r *EncoderRecorder) callback() Callback {
	if b := r.cb.Load(); b != nil {
		return b.Callback
	}
	return nopCallback{}
}

func (r *EncoderRecorder) fail(err error) error {
	r.callback().OnError(err)
	return err
}

func (r *EncoderRecorder) loadState() captureState {
	return captureState(r.state.Load())
}

func (r *EncoderRecorder) setState(s captureState) {
	r.state.Store(int32(s))
}
