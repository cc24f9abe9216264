package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/tapedeck/internal/audio"
	"github.com/audiolibrelab/tapedeck/internal/recorder"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio devices",
	Long:  `List the input and output devices reported by the configured audio driver.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		driverName := cfg.Device.Driver
		if d, _ := cmd.Flags().GetString("driver"); d != "" {
			driverName = d
		}

		driver, err := audio.NewDriver(driverName, "", "")
		if err != nil {
			return fmt.Errorf("failed to initialize %s driver: %w", driverName, err)
		}
		defer closeDriver(driver)

		devices, err := driver.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		fmt.Printf("Audio Devices (%s, %s driver)\n", runtime.GOOS, driverName)
		fmt.Printf("=======================================\n\n")

		fmt.Printf("INPUTS:\n")
		printDevices(devices, func(d audio.Device) bool { return d.Input })
		fmt.Printf("\nOUTPUTS:\n")
		printDevices(devices, func(d audio.Device) bool { return d.Output })

		if !recorder.NeedsDriver(cfg) {
			printEncoderSources()
		}

		fmt.Printf("\nDrivers: %v\n", audio.GetAvailableDrivers())
		fmt.Printf("Backends: %v\n", recorder.GetAvailableBackends())
		fmt.Printf("\nConfigure in device.input / device.output, e.g. input: \"%s\"\n", exampleDevice(devices))
		return nil
	},
}

func printDevices(devices []audio.Device, match func(audio.Device) bool) {
	n := 0
	for _, d := range devices {
		if !match(d) {
			continue
		}
		n++
		marker := ""
		if d.Default {
			marker = " (default)"
		}
		fmt.Printf("  %d. %s%s\n", n, d.Name, marker)
	}
	if n == 0 {
		fmt.Printf("  none found\n")
	}
}

// printEncoderSources lists what the external encoder can record from
func printEncoderSources() {
	fmt.Printf("\nENCODER SOURCES (%s):\n", cfg.Encoder.Command)
	sources, err := recorder.ListEncoderSources(cfg.Encoder)
	if err != nil {
		fmt.Printf("  unavailable: %v\n", err)
		return
	}
	if len(sources) == 0 {
		fmt.Printf("  none found\n")
	}
	for i, src := range sources {
		marker := ""
		if src.Default {
			marker = " (default)"
		}
		fmt.Printf("  %d. %s [%s]%s\n", i+1, src.Name, src.Description, marker)
	}
	fmt.Printf("  Configure in encoder.input_device\n")
}

func exampleDevice(devices []audio.Device) string {
	for _, d := range devices {
		if d.Input {
			return d.Name
		}
	}
	return "USB Audio"
}

func init() {
	sourcesCmd.Flags().String("driver", "", "audio driver to query (portaudio, malgo); defaults to device.driver")
}
