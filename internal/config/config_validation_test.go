package config

import (
	"os"
	"strings"
	"testing"
)

func TestValidate_DefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectedErr string
	}{
		{
			name:        "unknown backend",
			mutate:      func(c *Config) { c.Recorder.Backend = "mediarecorder" },
			expectedErr: "recorder.backend",
		},
		{
			name:        "zero channels",
			mutate:      func(c *Config) { c.Recorder.ChannelCount = 0 },
			expectedErr: "recorder.channel_count",
		},
		{
			name:        "three channels",
			mutate:      func(c *Config) { c.Recorder.ChannelCount = 3 },
			expectedErr: "recorder.channel_count",
		},
		{
			name:        "zero sample rate",
			mutate:      func(c *Config) { c.Recorder.SampleRate = 0 },
			expectedErr: "recorder.sample_rate",
		},
		{
			name:        "negative sample rate",
			mutate:      func(c *Config) { c.Recorder.SampleRate = -44100 },
			expectedErr: "recorder.sample_rate",
		},
		{
			name:        "negative bitrate",
			mutate:      func(c *Config) { c.Recorder.Bitrate = -1 },
			expectedErr: "recorder.bitrate",
		},
		{
			name:        "unknown driver",
			mutate:      func(c *Config) { c.Device.Driver = "alsa" },
			expectedErr: "device.driver",
		},
		{
			name:        "unknown encoder pause mode",
			mutate:      func(c *Config) { c.Encoder.Pause = "mute" },
			expectedErr: "encoder.pause",
		},
		{
			name:        "unknown naming",
			mutate:      func(c *Config) { c.Output.Naming = "uuid" },
			expectedErr: "output.naming",
		},
		{
			name:        "unknown format",
			mutate:      func(c *Config) { c.Output.Format = "flac" },
			expectedErr: "output.format",
		},
		{
			name:        "empty directory",
			mutate:      func(c *Config) { c.Output.Directory = "" },
			expectedErr: "output.directory",
		},
		{
			name:        "zero dp per second",
			mutate:      func(c *Config) { c.Visualization.DpPerSecond = 0 },
			expectedErr: "visualization.dp_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Expected error containing '%s', got nil", tt.expectedErr)
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got: %v", tt.expectedErr, err)
			}
		})
	}
}

func TestValidate_AcceptsNonStandardSampleRate(t *testing.T) {
	cfg := Default()
	cfg.Recorder.SampleRate = 22051

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected any positive sample rate to be accepted, got: %v", err)
	}
}

func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "tapedeck-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
