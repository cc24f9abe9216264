package cmd

import (
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/config"
	"github.com/audiolibrelab/tapedeck/internal/recorder"
	"github.com/audiolibrelab/tapedeck/internal/server"
	"github.com/audiolibrelab/tapedeck/internal/service"
	"github.com/audiolibrelab/tapedeck/internal/storage"
)

// capturingRecorder keeps capturing after a stop, the way the WAV backend
// holds its input stream open.
type capturingRecorder struct {
	mu         sync.Mutex
	cb         recorder.Callback
	status     recorder.Status
	monitoring bool
	released   bool
}

func (f *capturingRecorder) SetCallback(cb recorder.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *capturingRecorder) Prepare(int, int, int) error { return nil }

func (f *capturingRecorder) StartRecording(string) error {
	f.mu.Lock()
	f.status = recorder.StatusRecording
	cb := f.cb
	f.mu.Unlock()
	cb.OnStartRecord()
	return nil
}

func (f *capturingRecorder) PauseRecording() error  { return nil }
func (f *capturingRecorder) ResumeRecording() error { return nil }

func (f *capturingRecorder) StopRecording() error {
	f.mu.Lock()
	if f.status != recorder.StatusRecording {
		f.mu.Unlock()
		return nil
	}
	f.status = recorder.StatusCapturing
	cb := f.cb
	f.mu.Unlock()
	cb.OnStopRecord("take.wav")
	return nil
}

func (f *capturingRecorder) StartMonitoring() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitoring = true
	f.status = recorder.StatusCapturing
	return nil
}

func (f *capturingRecorder) StopMonitoring() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitoring = false
	return nil
}

func (f *capturingRecorder) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = recorder.StatusIdle
	f.monitoring = false
	f.released = true
	return nil
}

func (f *capturingRecorder) IsRecording() bool { return f.Status() == recorder.StatusRecording }
func (f *capturingRecorder) IsPaused() bool    { return false }

func (f *capturingRecorder) IsMonitoring() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitoring
}

func (f *capturingRecorder) SupportsMonitoring() bool { return true }

func (f *capturingRecorder) Status() recorder.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return recorder.StatusIdle
	}
	return f.status
}

func (f *capturingRecorder) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func newTestReloader(t *testing.T) (*configReloader, *capturingRecorder) {
	t.Helper()
	current := config.Default()
	current.Output.Directory = t.TempDir()

	rec := &capturingRecorder{}
	app := service.New(rec, storage.NewFileRepositoryFromConfig(current), nil)
	srv := server.New(app, current, "0")
	r := &configReloader{app: app, srv: srv, cfg: current}
	app.AddListener(r)
	t.Cleanup(func() {
		srv.Close()
		app.Release()
	})
	return r, rec
}

// encoderConfig switches to the encoder backend so no audio driver is opened.
func encoderConfig(base *config.Config) *config.Config {
	next := *base
	next.Recorder.Backend = config.BackendEncoder
	next.Recorder.SampleRate = 48000
	return &next
}

func (r *configReloader) applied() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return nil
	}
	return r.cfg
}

func TestReloadAppliesWhileOnlyCapturing(t *testing.T) {
	r, rec := newTestReloader(t)
	if _, err := r.app.StartNewRecording(); err != nil {
		t.Fatal(err)
	}
	r.app.StopRecording()
	if r.app.Status() != service.StatusCapturing {
		t.Fatalf("status = %s, want capturing", r.app.Status())
	}

	next := encoderConfig(r.cfg)
	r.update(next)

	if !rec.isReleased() {
		t.Error("capturing recorder was not released")
	}
	if got := r.applied(); got != next {
		t.Errorf("applied config = %p, want %p", got, next)
	}
	if r.app.Status() != service.StatusIdle {
		t.Errorf("status = %s, want idle", r.app.Status())
	}
}

func TestReloadWaitsForRecordingToStop(t *testing.T) {
	r, rec := newTestReloader(t)
	if _, err := r.app.StartNewRecording(); err != nil {
		t.Fatal(err)
	}

	next := encoderConfig(r.cfg)
	r.update(next)
	if rec.isReleased() || r.applied() != nil {
		t.Fatal("recorder replaced during a recording")
	}

	r.app.StopRecording()
	deadline := time.Now().Add(2 * time.Second)
	for r.applied() != next {
		if time.Now().After(deadline) {
			t.Fatal("pending config not applied after stop")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !rec.isReleased() {
		t.Error("previous recorder was not released")
	}
}

func TestReloadHeldWhileMonitoring(t *testing.T) {
	r, rec := newTestReloader(t)
	if err := r.app.StartMonitoring(); err != nil {
		t.Fatal(err)
	}

	r.update(encoderConfig(r.cfg))
	if rec.isReleased() {
		t.Error("monitoring recorder was released")
	}
	if r.applied() != nil {
		t.Error("config applied while monitoring")
	}
}
