package play

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"

	"github.com/audiolibrelab/tapedeck/internal/audio"
)

// blockDuration is the amount of audio handed to the sink per write
const blockDuration = 20 * time.Millisecond

// Info describes a WAV recording
type Info struct {
	Path       string
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
	DataSize   int64
	FileSize   int64
}

// ReadInfo decodes the header of the WAV file at path.
func ReadInfo(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	dec := gowav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to find audio data: %w", err)
	}

	info := &Info{
		Path:       path,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		DataSize:   dec.PCMLen(),
		FileSize:   stat.Size(),
	}
	if bytesPerSecond := int64(info.SampleRate * info.Channels * info.BitDepth / 8); bytesPerSecond > 0 {
		info.Duration = time.Duration(info.DataSize) * time.Second / time.Duration(bytesPerSecond)
	}
	return info, nil
}

// Player plays finished WAV recordings through a Sink
type Player struct {
	driver audio.Driver
}

func New(driver audio.Driver) *Player {
	return &Player{driver: driver}
}

// Play decodes path and writes it to a new sink block by block. It returns
// when the file is played out or ctx is cancelled.
func (p *Player) Play(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audio file not found: %w", err)
	}
	defer f.Close()

	dec := gowav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s is not a valid WAV file", path)
	}
	if dec.BitDepth != audio.BitDepth {
		return fmt.Errorf("unsupported bit depth %d, only %d-bit PCM can be played", dec.BitDepth, audio.BitDepth)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if err := format.Validate(); err != nil {
		return err
	}

	blockSamples := int(time.Duration(format.SampleRate)*blockDuration/time.Second) * format.Channels
	if blockSamples == 0 {
		blockSamples = format.Channels
	}

	sink := p.driver.NewSink()
	if err := sink.Open(format, blockSamples*2); err != nil {
		return fmt.Errorf("failed to open output device: %w", err)
	}
	defer sink.Close()

	slog.Debug("Playback started", "path", path, "sample_rate", format.SampleRate, "channels", format.Channels)

	buf := &goaudio.IntBuffer{
		Data:           make([]int, blockSamples),
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		SourceBitDepth: audio.BitDepth,
	}
	samples := make([]int16, blockSamples)
	block := make([]byte, blockSamples*2)

	for {
		if err := ctx.Err(); err != nil {
			slog.Debug("Playback cancelled", "path", path)
			return err
		}

		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
		if n == 0 {
			break
		}

		for i, v := range buf.Data[:n] {
			samples[i] = int16(v)
		}
		audio.Int16ToBytes(block, samples[:n])
		if _, err := sink.Write(block[:n*2]); err != nil {
			return fmt.Errorf("failed to write to output device: %w", err)
		}
	}

	slog.Debug("Playback completed", "path", path)
	return nil
}
