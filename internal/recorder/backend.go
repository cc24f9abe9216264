package recorder

import (
	"strings"

	"github.com/audiolibrelab/tapedeck/internal/audio"
	"github.com/audiolibrelab/tapedeck/internal/config"
)

// BackendType represents the type of recorder backend
type BackendType string

const (
	BackendTypeWAV     BackendType = config.BackendWAV
	BackendTypeEncoder BackendType = config.BackendEncoder
)

// NewRecorder creates a recorder using the backend selected in cfg. driver
// is only used by the WAV backend and may be nil for the encoder.
func NewRecorder(cfg *config.Config, driver audio.Driver) Recorder {
	interval := cfg.VisualizationInterval()

	switch determineBackend(cfg) {
	case BackendTypeEncoder:
		return NewEncoderRecorder(cfg.Encoder, interval)
	default:
		return NewWavRecorder(driver, interval)
	}
}

// NeedsDriver reports whether the configured backend opens audio devices
// itself.
func NeedsDriver(cfg *config.Config) bool {
	return determineBackend(cfg) == BackendTypeWAV
}

func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Recorder.Backend) {
	case config.BackendEncoder:
		return BackendTypeEncoder
	default:
		return BackendTypeWAV
	}
}

// GetAvailableBackends returns the backends compiled into this build
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeWAV, BackendTypeEncoder}
}
