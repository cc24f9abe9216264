package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/audio"
	"github.com/audiolibrelab/tapedeck/internal/config"
	"github.com/audiolibrelab/tapedeck/internal/recorder"
	"github.com/audiolibrelab/tapedeck/internal/service"
	"github.com/audiolibrelab/tapedeck/internal/storage"
)

// session bundles the recorder stack built from a configuration.
type session struct {
	app    *service.AppRecorder
	driver audio.Driver
}

// newSession opens the audio driver (when the backend needs one) and builds a
// prepared AppRecorder for c.
func newSession(c *config.Config) (*session, error) {
	var driver audio.Driver
	if !recorder.NeedsDriver(c) {
		if err := recorder.ValidateEncoderSource(c.Encoder); err != nil {
			return nil, fmt.Errorf("invalid encoder configuration: %w", err)
		}
	} else {
		var err error
		driver, err = audio.NewDriver(c.Device.Driver, c.Device.Input, c.Device.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audio driver: %w", err)
		}
	}

	rec := recorder.NewRecorder(c, driver)
	app := service.New(rec, storage.NewFileRepositoryFromConfig(c), storage.NewSpaceMonitor(c))
	if err := app.Prepare(c.Recorder.ChannelCount, c.Recorder.SampleRate, c.Recorder.Bitrate); err != nil {
		app.Release()
		closeDriver(driver)
		return nil, fmt.Errorf("failed to prepare recorder: %w", err)
	}

	slog.Debug("Recorder ready",
		"backend", c.Recorder.Backend,
		"sample_rate", c.Recorder.SampleRate,
		"channels", c.Recorder.ChannelCount,
		"output_dir", c.Output.Directory)

	return &session{app: app, driver: driver}, nil
}

// Close releases the recorder, then the driver.
func (s *session) Close() {
	if err := s.app.Release(); err != nil {
		slog.Warn("Failed to release recorder", "error", err)
	}
	closeDriver(s.driver)
}

func closeDriver(d audio.Driver) {
	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		slog.Warn("Failed to close audio driver", "error", err)
	}
}

// consoleListener logs recorder events for the interactive commands.
type consoleListener struct {
	service.NopListener

	lastLog time.Time
	errs    chan error
}

func newConsoleListener() *consoleListener {
	return &consoleListener{errs: make(chan error, 4)}
}

func (l *consoleListener) OnRecordingStarted() {
	slog.Info("Recording")
}

func (l *consoleListener) OnRecordingPaused() {
	slog.Info("Paused")
}

func (l *consoleListener) OnRecordingStopped(file string) {
	slog.Info("Recording saved", "file", filepath.Base(file), "dir", filepath.Dir(file))
}

// OnProgress logs once per second; the ticker runs much faster.
func (l *consoleListener) OnProgress(elapsed time.Duration, amplitude int, active bool) {
	if time.Since(l.lastLog) < time.Second {
		return
	}
	l.lastLog = time.Now()
	slog.Debug("Progress", "elapsed", elapsed.Truncate(time.Second), "level", audio.Level(amplitude), "recording", active)
}

func (l *consoleListener) OnError(err error) {
	slog.Error("Recorder error", "error", err)
	select {
	case l.errs <- err:
	default:
	}
}
