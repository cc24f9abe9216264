package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/audiolibrelab/tapedeck/internal/audio"
	"github.com/audiolibrelab/tapedeck/internal/play"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play a WAV recording",
	Long: `Play a finished WAV recording through the configured output device.
A bare file name is looked up in the output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveRecording(args[0])

		driver, err := audio.NewDriver(cfg.Device.Driver, cfg.Device.Input, cfg.Device.Output)
		if err != nil {
			return fmt.Errorf("failed to initialize audio driver: %w", err)
		}
		defer closeDriver(driver)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("Playing", "file", path)
		if err := play.New(driver).Play(ctx, path); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("playback failed: %w", err)
		}
		slog.Info("Playback completed")
		return nil
	},
}

// resolveRecording maps a bare file name to the output directory.
func resolveRecording(name string) string {
	if filepath.Base(name) == name {
		if _, err := os.Stat(name); err != nil {
			return filepath.Join(cfg.Output.Directory, name)
		}
	}
	return name
}
