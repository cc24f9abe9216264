package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [file-name]",
	Short: "Record the input device",
	Long: `Record the configured input device into the output directory.

Without a file name a new name is generated (Record-<n> or Record-<date>).
While recording, type a command and press Enter:
  p  pause / resume
  n  finish the current file and start a new one
  m  toggle live monitoring
  q  stop and exit (same as Ctrl+C)`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		monitor, _ := cmd.Flags().GetBool("monitor")
		duration, _ := cmd.Flags().GetDuration("duration")
		if outputDir, _ := cmd.Flags().GetString("output"); outputDir != "" {
			cfg.Output.Directory = outputDir
		}

		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		listener := newConsoleListener()
		sess.app.AddListener(listener)

		if monitor {
			if err := sess.app.StartMonitoring(); err != nil {
				slog.Warn("Monitoring not available", "error", err)
			}
		}

		path, err := startRecording(sess.app, args)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording started - press Ctrl+C to stop", "file", path)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		var timeout <-chan time.Time
		if duration > 0 {
			timeout = time.After(duration)
		}

		commands := readCommands()
		for {
			select {
			case <-sigChan:
				slog.Info("Stopping recording...")
				return sess.app.StopRecording()
			case <-timeout:
				slog.Info("Duration reached, stopping recording", "duration", duration)
				return sess.app.StopRecording()
			case err := <-listener.errs:
				if errors.Is(err, service.ErrNoAvailableSpace) {
					return fmt.Errorf("recording stopped: %w", err)
				}
				if !sess.app.IsRecording() {
					return fmt.Errorf("recording failed: %w", err)
				}
			case c, ok := <-commands:
				if !ok {
					// stdin closed, keep recording until a signal arrives
					commands = nil
					continue
				}
				done, err := handleRecordCommand(sess.app, c)
				if err != nil {
					slog.Error("Command failed", "command", c, "error", err)
				}
				if done {
					return sess.app.StopRecording()
				}
			}
		}
	},
}

// startRecording records into the named file or a generated one.
func startRecording(app *service.AppRecorder, args []string) (string, error) {
	if len(args) == 0 {
		return app.StartNewRecording()
	}
	return app.StartNamedRecording(args[0])
}

// handleRecordCommand applies one interactive command. done reports that
// the command asked to quit.
func handleRecordCommand(app *service.AppRecorder, c string) (done bool, err error) {
	switch c {
	case "p", "pause":
		if app.IsPaused() {
			return false, app.ResumeRecording()
		}
		return false, app.PauseRecording()
	case "n", "new":
		path, err := app.StartNewRecording()
		if err == nil {
			slog.Info("New recording started", "file", path)
		}
		return false, err
	case "m", "monitor":
		if app.IsMonitoring() {
			return false, app.StopMonitoring()
		}
		return false, app.StartMonitoring()
	case "q", "quit":
		return true, nil
	case "":
		return false, nil
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (p=pause/resume, n=new file, m=monitor, q=quit)\n", c)
		return false, nil
	}
}

func readCommands() <-chan string {
	commands := make(chan string)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			commands <- strings.ToLower(strings.TrimSpace(scanner.Text()))
		}
	}()
	return commands
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().BoolP("monitor", "m", false, "monitor the input through the output device while recording")
	recordCmd.Flags().DurationP("duration", "d", 0, "stop automatically after this duration (e.g. 30s, 5m)")
}
