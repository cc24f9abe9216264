package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted in recorder.backend
const (
	BackendWAV     = "wav"
	BackendEncoder = "encoder"
)

// Device drivers accepted in device.driver
const (
	DriverPortAudio = "portaudio"
	DriverMalgo     = "malgo"
)

// Naming formats accepted in output.naming
const (
	NamingCounted = "counted"
	NamingDate    = "date"
)

// Output formats
const (
	FormatWAV = "wav"
	FormatM4A = "m4a"
)

// Encoder pause modes accepted in encoder.pause
const (
	PauseSuspend = "suspend"
	PauseStop    = "stop"
)

// BitDepth is the only sample width the raw capture path produces.
const BitDepth = 16

type Config struct {
	Recorder      RecorderConfig      `mapstructure:"recorder" yaml:"recorder"`
	Device        DeviceConfig        `mapstructure:"device" yaml:"device"`
	Output        OutputConfig        `mapstructure:"output" yaml:"output"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Visualization VisualizationConfig `mapstructure:"visualization" yaml:"visualization"`
	Encoder       EncoderConfig       `mapstructure:"encoder" yaml:"encoder"`
}

type RecorderConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"` // "wav", "encoder"
	ChannelCount int    `mapstructure:"channel_count" yaml:"channel_count"`
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Bitrate      int    `mapstructure:"bitrate" yaml:"bitrate"` // ignored by the wav backend
}

type DeviceConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "portaudio", "malgo"
	Input  string `mapstructure:"input" yaml:"input"`   // empty = default input device
	Output string `mapstructure:"output" yaml:"output"` // empty = default output device
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Naming    string `mapstructure:"naming" yaml:"naming"` // "counted", "date"
	Format    string `mapstructure:"format" yaml:"format"` // "wav", "m4a"; derived from backend when empty
}

type StorageConfig struct {
	MinRemainSeconds int `mapstructure:"min_remain_seconds" yaml:"min_remain_seconds"`
}

type VisualizationConfig struct {
	DpPerSecond int `mapstructure:"dp_per_second" yaml:"dp_per_second"`
}

type EncoderConfig struct {
	Command     string `mapstructure:"command" yaml:"command"`
	InputFormat string `mapstructure:"input_format" yaml:"input_format"` // ffmpeg -f; empty = platform default
	InputDevice string `mapstructure:"input_device" yaml:"input_device"`
	Pause       string `mapstructure:"pause" yaml:"pause"` // "suspend", "stop"; empty = suspend
}

var defaultConfig = Config{
	Recorder: RecorderConfig{
		Backend:      BackendWAV,
		ChannelCount: 1,
		SampleRate:   44100,
		Bitrate:      128000,
	},
	Device: DeviceConfig{
		Driver: DriverPortAudio,
	},
	Output: OutputConfig{
		Directory: filepath.Join("~", "Audio", "Tapedeck"),
		Naming:    NamingCounted,
	},
	Storage: StorageConfig{
		MinRemainSeconds: 10,
	},
	Visualization: VisualizationConfig{
		DpPerSecond: 25,
	},
	Encoder: EncoderConfig{
		Command:     "ffmpeg",
		InputDevice: "default",
		Pause:       PauseSuspend,
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	return &cfg
}

// DefaultPath returns the config file used when --config is not given.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/tapedeck.yaml")
}

// Load reads configFile (if it exists) on top of the defaults and validates
// the result. Environment variables prefixed with TAPEDECK_ override file
// values, e.g. TAPEDECK_RECORDER_SAMPLE_RATE=48000.
func Load(configFile string) (*Config, error) {
	return LoadWith(viper.New(), configFile)
}

// LoadWith is Load on a caller-owned viper instance, so the caller can
// keep watching the same file afterwards.
func LoadWith(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("TAPEDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	if cfg.Output.Format == "" {
		cfg.Output.Format = cfg.defaultFormat()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("recorder.backend", defaultConfig.Recorder.Backend)
	v.SetDefault("recorder.channel_count", defaultConfig.Recorder.ChannelCount)
	v.SetDefault("recorder.sample_rate", defaultConfig.Recorder.SampleRate)
	v.SetDefault("recorder.bitrate", defaultConfig.Recorder.Bitrate)
	v.SetDefault("device.driver", defaultConfig.Device.Driver)
	v.SetDefault("device.input", defaultConfig.Device.Input)
	v.SetDefault("device.output", defaultConfig.Device.Output)
	v.SetDefault("output.directory", defaultConfig.Output.Directory)
	v.SetDefault("output.naming", defaultConfig.Output.Naming)
	v.SetDefault("output.format", "")
	v.SetDefault("storage.min_remain_seconds", defaultConfig.Storage.MinRemainSeconds)
	v.SetDefault("visualization.dp_per_second", defaultConfig.Visualization.DpPerSecond)
	v.SetDefault("encoder.command", defaultConfig.Encoder.Command)
	v.SetDefault("encoder.input_format", defaultConfig.Encoder.InputFormat)
	v.SetDefault("encoder.input_device", defaultConfig.Encoder.InputDevice)
	v.SetDefault("encoder.pause", defaultConfig.Encoder.Pause)
}

// Validate checks the values the recorder cannot work around.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Recorder.Backend) {
	case BackendWAV, BackendEncoder:
	default:
		return fmt.Errorf("recorder.backend: unknown backend '%s' (valid: wav, encoder)", c.Recorder.Backend)
	}

	if c.Recorder.ChannelCount != 1 && c.Recorder.ChannelCount != 2 {
		return fmt.Errorf("recorder.channel_count: must be 1 or 2, got %d", c.Recorder.ChannelCount)
	}

	if c.Recorder.SampleRate <= 0 {
		return fmt.Errorf("recorder.sample_rate: must be positive, got %d", c.Recorder.SampleRate)
	}

	if c.Recorder.Bitrate < 0 {
		return fmt.Errorf("recorder.bitrate: must not be negative, got %d", c.Recorder.Bitrate)
	}

	switch strings.ToLower(c.Device.Driver) {
	case DriverPortAudio, DriverMalgo:
	default:
		return fmt.Errorf("device.driver: unknown driver '%s' (valid: portaudio, malgo)", c.Device.Driver)
	}

	switch strings.ToLower(c.Output.Naming) {
	case NamingCounted, NamingDate:
	default:
		return fmt.Errorf("output.naming: unknown naming '%s' (valid: counted, date)", c.Output.Naming)
	}

	switch strings.ToLower(c.Output.Format) {
	case "", FormatWAV, FormatM4A:
	default:
		return fmt.Errorf("output.format: unknown format '%s' (valid: wav, m4a)", c.Output.Format)
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory: must not be empty")
	}

	if c.Visualization.DpPerSecond <= 0 {
		return fmt.Errorf("visualization.dp_per_second: must be positive, got %d", c.Visualization.DpPerSecond)
	}

	switch strings.ToLower(c.Encoder.Pause) {
	case "", PauseSuspend, PauseStop:
	default:
		return fmt.Errorf("encoder.pause: unknown mode '%s' (valid: suspend, stop)", c.Encoder.Pause)
	}

	if c.Storage.MinRemainSeconds < 0 {
		return fmt.Errorf("storage.min_remain_seconds: must not be negative, got %d", c.Storage.MinRemainSeconds)
	}

	return nil
}

// VisualizationInterval is the progress tick period: one second divided
// by the waveform density.
func (c *Config) VisualizationInterval() time.Duration {
	dp := c.Visualization.DpPerSecond
	if dp <= 0 {
		dp = defaultConfig.Visualization.DpPerSecond
	}
	return time.Second / time.Duration(dp)
}

// FileExtension returns the extension used for new recordings.
func (c *Config) FileExtension() string {
	if c.Output.Format != "" {
		return strings.ToLower(c.Output.Format)
	}
	return c.defaultFormat()
}

func (c *Config) defaultFormat() string {
	if strings.ToLower(c.Recorder.Backend) == BackendEncoder {
		return FormatM4A
	}
	return FormatWAV
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
