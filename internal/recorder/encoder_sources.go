package recorder

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/tapedeck/internal/config"
)

// EncoderSource is an input device reported by the encoder
type EncoderSource struct {
	Name        string
	Description string
	Default     bool
}

// ListEncoderSources asks the encoder for the input devices of its input
// format (ffmpeg -sources).
func ListEncoderSources(cfg config.EncoderConfig) ([]EncoderSource, error) {
	inputFormat := cfg.InputFormat
	if inputFormat == "" {
		inputFormat = defaultInputFormat()
	}

	cmd := exec.Command(cfg.Command, "-hide_banner", "-sources", inputFormat)
	output, err := cmd.CombinedOutput()
	sources := parseEncoderSources(string(output))
	if err != nil && len(sources) == 0 {
		return nil, fmt.Errorf("failed to list %s sources: %w", inputFormat, err)
	}

	return sources, nil
}

// parseEncoderSources extracts devices from ffmpeg -sources output:
//
//	Auto-detected sources for pulse:
//	* alsa_input.usb-mic [USB Mic] (audio)
//	  alsa_output.monitor [Monitor of Speakers] (audio)
func parseEncoderSources(output string) []EncoderSource {
	var sources []EncoderSource

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}

		src := EncoderSource{}
		if strings.HasPrefix(line, "*") {
			src.Default = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		}

		name, rest, found := strings.Cut(line, " [")
		if !found {
			// error and warning lines have no bracketed description
			continue
		}
		src.Name = name
		if desc, _, ok := strings.Cut(rest, "]"); ok {
			src.Description = desc
		}
		sources = append(sources, src)
	}

	return sources
}

// ValidateEncoderSource checks that the configured input device exists.
// "default" and an empty device are always accepted.
func ValidateEncoderSource(cfg config.EncoderConfig) error {
	if cfg.InputDevice == "" || cfg.InputDevice == "default" {
		return nil
	}

	sources, err := ListEncoderSources(cfg)
	if err != nil {
		slog.Debug("Cannot list encoder sources, skipping validation", "error", err)
		return nil
	}
	return findEncoderSource(cfg.InputDevice, sources)
}

func findEncoderSource(device string, sources []EncoderSource) error {
	for _, src := range sources {
		if src.Name == device {
			return nil
		}
	}
	return fmt.Errorf("input device not found: %s", device)
}
