package cmd

import (
	"fmt"
	"os"

	"github.com/audiolibrelab/tapedeck/internal/play"
	"github.com/audiolibrelab/tapedeck/internal/wav"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show the format and length of a WAV recording",
	Long: `Display the raw header fields of a WAV recording and the format decoded
from it. A bare file name is looked up in the output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveRecording(args[0])

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open recording: %w", err)
		}
		header, err := wav.ReadHeader(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to read header: %w", err)
		}

		// Display header fields
		fmt.Printf("=== HEADER ===\n")
		fmt.Printf("riff_size: %d\n", header.RiffSize)
		fmt.Printf("audio_format: %d\n", header.AudioFormat)
		fmt.Printf("channels: %d\n", header.Channels)
		fmt.Printf("sample_rate: %d\n", header.SampleRate)
		fmt.Printf("byte_rate: %d\n", header.ByteRate)
		fmt.Printf("block_align: %d\n", header.BlockAlign)
		fmt.Printf("bits_per_sample: %d\n", header.BitsPerSample)
		fmt.Printf("data_size: %d\n", header.DataSize)

		info, err := play.ReadInfo(path)
		if err != nil {
			return err
		}

		fmt.Printf("\n=== RECORDING ===\n")
		fmt.Printf("file: %s\n", info.Path)
		fmt.Printf("size: %d bytes\n", info.FileSize)
		fmt.Printf("duration: %s\n", info.Duration)
		if int64(header.DataSize) != info.FileSize-wav.HeaderSize {
			fmt.Printf("warning: header reports %d data bytes but the file holds %d (not finalized?)\n",
				header.DataSize, info.FileSize-wav.HeaderSize)
		}
		return nil
	},
}
