package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Play the input device through the output device",
	Long: `Open the input device and route it live to the output device without
recording anything. Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		if !sess.app.SupportsMonitoring() {
			return fmt.Errorf("the %s backend does not support monitoring", cfg.Recorder.Backend)
		}

		sess.app.AddListener(newConsoleListener())
		if err := sess.app.StartMonitoring(); err != nil {
			return fmt.Errorf("failed to start monitoring: %w", err)
		}
		slog.Info("Monitoring input - press Ctrl+C to stop")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		slog.Info("Stopping monitoring...")
		return sess.app.StopMonitoring()
	},
}
