package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/config"
)

// ErrSpaceUnknown is returned on platforms where free space cannot be queried.
var ErrSpaceUnknown = errors.New("free space unknown")

// SpaceMonitor estimates how much recording time is left on the volume
// holding the recordings directory.
type SpaceMonitor struct {
	dir        string
	format     string
	sampleRate int
	channels   int
	bitrate    int
	minRemain  time.Duration

	freeBytes func(dir string) (uint64, error)
}

// NewSpaceMonitor creates a monitor for the configured output directory and
// session format.
func NewSpaceMonitor(cfg *config.Config) *SpaceMonitor {
	return &SpaceMonitor{
		dir:        cfg.Output.Directory,
		format:     cfg.FileExtension(),
		sampleRate: cfg.Recorder.SampleRate,
		channels:   cfg.Recorder.ChannelCount,
		bitrate:    cfg.Recorder.Bitrate,
		minRemain:  time.Duration(cfg.Storage.MinRemainSeconds) * time.Second,
		freeBytes:  FreeBytes,
	}
}

// FreeBytes returns the bytes available to unprivileged users on the volume
// holding dir. dir does not have to exist yet: the nearest existing ancestor
// is queried instead.
func FreeBytes(dir string) (uint64, error) {
	path, err := existingAncestor(dir)
	if err != nil {
		return 0, err
	}
	return statFree(path)
}

// RemainingTime converts free bytes into recording time. WAV consumes
// sampleRate*channels*2 bytes per second, M4A bitrate/8.
func RemainingTime(freeBytes uint64, format string, sampleRate, channels, bitrate int) time.Duration {
	var bytesPerSecond uint64
	switch strings.ToLower(format) {
	case config.FormatM4A:
		bytesPerSecond = uint64(bitrate / 8)
	case config.FormatWAV:
		bytesPerSecond = uint64(sampleRate * channels * config.BitDepth / 8)
	}
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(freeBytes/bytesPerSecond) * time.Second
}

// Remaining returns the recording time left in the monitored directory.
func (m *SpaceMonitor) Remaining() (time.Duration, error) {
	free, err := m.freeBytes(m.dir)
	if err != nil {
		return 0, err
	}
	return RemainingTime(free, m.format, m.sampleRate, m.channels, m.bitrate), nil
}

// HasAvailableSpace reports whether more than the configured minimum of
// recording time is left. When free space cannot be determined it reports
// true.
func (m *SpaceMonitor) HasAvailableSpace() bool {
	remaining, err := m.Remaining()
	if err != nil {
		slog.Debug("Free space check skipped", "dir", m.dir, "error", err)
		return true
	}
	return remaining > m.minRemain
}

func existingAncestor(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", fmt.Errorf("no existing ancestor for %s", dir)
		}
		path = parent
	}
}
