package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/tapedeck/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg          *config.Config
	cfgFile      string
	v            *viper.Viper
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "tapedeck",
	Short: "Audio recorder with live monitoring",
	Long: `Tapedeck records the default (or configured) input device to WAV files,
or to M4A through an external ffmpeg encoder.

Recordings can be paused, resumed and restarted, and the input can be
monitored live through the output device while recording.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		v = viper.New()
		var err error
		cfg, err = config.LoadWith(v, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		slog.Debug("Configuration loaded", "file", cfgFile, "backend", cfg.Recorder.Backend, "driver", cfg.Device.Driver)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/tapedeck.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=encoder output")

	// Add subcommands
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if level >= 2 {
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}
