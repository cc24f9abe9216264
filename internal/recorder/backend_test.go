package recorder

import (
	"testing"

	"github.com/audiolibrelab/tapedeck/internal/config"
)

func TestNewRecorderSelectsBackend(t *testing.T) {
	cfg := config.Default()

	if _, ok := NewRecorder(cfg, newFakeDriver()).(*WavRecorder); !ok {
		t.Error("default backend should be the WAV recorder")
	}
	if !NeedsDriver(cfg) {
		t.Error("WAV backend needs an audio driver")
	}

	cfg.Recorder.Backend = "Encoder"
	rec := NewRecorder(cfg, nil)
	enc, ok := rec.(*EncoderRecorder)
	if !ok {
		t.Fatalf("expected *EncoderRecorder, got %T", rec)
	}
	if enc.interval != cfg.VisualizationInterval() {
		t.Errorf("interval = %v, want %v", enc.interval, cfg.VisualizationInterval())
	}
	if NeedsDriver(cfg) {
		t.Error("encoder backend should not need an audio driver")
	}
}

func TestBackendsImplementRecorder(t *testing.T) {
	var _ Recorder = (*WavRecorder)(nil)
	var _ Recorder = (*EncoderRecorder)(nil)

	if got := len(GetAvailableBackends()); got != 2 {
		t.Errorf("GetAvailableBackends() returned %d backends, want 2", got)
	}
}
