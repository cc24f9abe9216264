package cmd

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/tapedeck/internal/audio"
	"github.com/audiolibrelab/tapedeck/internal/config"
	"github.com/audiolibrelab/tapedeck/internal/recorder"
	"github.com/audiolibrelab/tapedeck/internal/server"
	"github.com/audiolibrelab/tapedeck/internal/service"
	"github.com/audiolibrelab/tapedeck/internal/storage"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the Tapedeck web server to control recording over HTTP.
This allows you to control recording from your smartphone or any device on the same network.

Progress and state changes are pushed to websocket clients on /ws/progress.
Changes to the config file are picked up without a restart; recorder
settings apply once the recorder is idle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		srv := server.New(sess.app, cfg, port)
		defer srv.Close()

		r := &configReloader{app: sess.app, srv: srv, cfg: cfg, driver: sess.driver}
		sess.app.AddListener(r)
		defer func() { sess.driver = r.currentDriver() }()

		v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			slog.Info("Config file changed", "file", e.Name)
			newCfg, err := config.Load(e.Name)
			if err != nil {
				slog.Warn("Ignoring invalid configuration", "error", err)
				return
			}
			r.update(newCfg)
		})
		v.WatchConfig()

		slog.Info("Tapedeck web server starting", "port", port, "config", cfgFile)

		// Start server (this blocks)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

// configReloader applies configuration changes to a running server. Storage
// settings take effect immediately; a new recorder is only built while the
// current one is idle.
type configReloader struct {
	service.NopListener

	app *service.AppRecorder
	srv *server.Server

	mu      sync.Mutex
	cfg     *config.Config
	pending *config.Config
	driver  audio.Driver
}

func (r *configReloader) update(newCfg *config.Config) {
	r.app.SetStorage(storage.NewFileRepositoryFromConfig(newCfg), storage.NewSpaceMonitor(newCfg))
	r.srv.SetConfig(newCfg)

	r.mu.Lock()
	r.pending = newCfg
	r.mu.Unlock()

	r.applyPending()
}

// OnRecordingStopped retries a pending recorder change. It must not touch
// the recorder synchronously. A change held back by monitoring alone
// applies at the next stop or config change.
func (r *configReloader) OnRecordingStopped(string) {
	go r.applyPending()
}

func (r *configReloader) applyPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return
	}
	newCfg := r.pending

	oldDriver := r.driver
	driver := r.driver
	swapped, err := r.app.ReplaceIdleRecorder(func() (recorder.Recorder, error) {
		if recorder.NeedsDriver(newCfg) && (driver == nil || newCfg.Device != r.cfg.Device) {
			d, err := audio.NewDriver(newCfg.Device.Driver, newCfg.Device.Input, newCfg.Device.Output)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize audio driver: %w", err)
			}
			driver = d
		}
		return recorder.NewRecorder(newCfg, driver), nil
	})
	if err != nil {
		r.pending = nil
		slog.Error("Keeping previous recorder", "error", err)
		return
	}
	if !swapped {
		slog.Info("Recorder busy, configuration will apply once it is idle")
		return
	}
	r.pending = nil

	if err := r.app.Prepare(newCfg.Recorder.ChannelCount, newCfg.Recorder.SampleRate, newCfg.Recorder.Bitrate); err != nil {
		slog.Error("Failed to prepare recorder with new configuration", "error", err)
	}

	if oldDriver != nil && oldDriver != driver {
		closeDriver(oldDriver)
	}
	r.driver = driver
	r.cfg = newCfg

	slog.Info("Configuration applied",
		"backend", newCfg.Recorder.Backend,
		"sample_rate", newCfg.Recorder.SampleRate,
		"channels", newCfg.Recorder.ChannelCount)
}

func (r *configReloader) currentDriver() audio.Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driver
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
