package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// minBlockDuration is the floor for reported minimum buffer sizes; devices
// that advertise a lower latency still get at least this much per read.
const minBlockDuration = 20 * time.Millisecond

// PortAudio implements Driver on top of the PortAudio library
type PortAudio struct {
	input  string
	output string
}

// NewPortAudio initializes PortAudio. Close must be called once all
// Sources and Sinks are closed.
func NewPortAudio(input, output string) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudio{input: input, output: output}, nil
}

func (p *PortAudio) NewSource() Source {
	return &portAudioSource{driver: p}
}

func (p *PortAudio) NewSink() Sink {
	return &portAudioSink{driver: p}
}

func (p *PortAudio) ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		result = append(result, Device{
			ID:      d.Name,
			Name:    d.Name,
			Input:   d.MaxInputChannels > 0,
			Output:  d.MaxOutputChannels > 0,
			Default: d == defaultIn || d == defaultOut,
		})
	}
	return result, nil
}

func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

// findDevice resolves a device by name, falling back to the default device
// when name is empty.
func (p *PortAudio) findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			device, err := portaudio.DefaultInputDevice()
			if err != nil {
				return nil, fmt.Errorf("failed to get default input device: %w", err)
			}
			return device, nil
		}
		device, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default output device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

func minFrames(f Format, latency time.Duration) int {
	if latency < minBlockDuration {
		latency = minBlockDuration
	}
	return int(latency.Seconds() * float64(f.SampleRate))
}

type portAudioSource struct {
	driver *PortAudio

	mu      sync.Mutex
	stream  *portaudio.Stream
	samples []int16
	frames  int
	stopped atomic.Bool
}

func (s *portAudioSource) MinBufferSize(f Format) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	device, err := s.driver.findDevice(s.driver.input, true)
	if err != nil {
		return 0, err
	}

	frames := minFrames(f, device.DefaultLowInputLatency)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: f.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: frames,
	}
	if err := portaudio.IsFormatSupported(params, make([]int16, frames*f.Channels)); err != nil {
		return 0, fmt.Errorf("format not supported by %s: %w", device.Name, err)
	}

	return frames * f.BlockAlign(), nil
}

func (s *portAudioSource) Open(f Format, bufferSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return fmt.Errorf("source already open")
	}

	device, err := s.driver.findDevice(s.driver.input, true)
	if err != nil {
		return err
	}

	frames := bufferSize / f.BlockAlign()
	s.samples = make([]int16, frames*f.Channels)
	s.frames = frames

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: f.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: frames,
	}, s.samples)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	s.stream = stream
	s.stopped.Store(false)
	slog.Debug("PortAudio input opened", "device", device.Name, "sample_rate", f.SampleRate, "channels", f.Channels, "frames", frames)
	return nil
}

func (s *portAudioSource) Read(p []byte) (int, error) {
	if s.stopped.Load() {
		return 0, ErrStopped
	}
	if s.stream == nil {
		return 0, fmt.Errorf("source not open")
	}

	if err := s.stream.Read(); err != nil {
		// An overflow still leaves a full buffer behind
		if !errors.Is(err, portaudio.InputOverflowed) {
			return 0, err
		}
		slog.Debug("PortAudio input overflowed")
	}

	n := len(s.samples) * 2
	if n > len(p) {
		return 0, fmt.Errorf("read buffer too small: %d < %d", len(p), n)
	}
	Int16ToBytes(p, s.samples)
	return n, nil
}

// maxDiscardReads bounds Discard on a device that keeps delivering faster
// than it can be drained.
const maxDiscardReads = 256

// Discard reads and drops every full buffer the stream has queued.
func (s *portAudioSource) Discard() error {
	if s.stream == nil || s.frames == 0 {
		return nil
	}

	dropped := 0
	for ; dropped < maxDiscardReads; dropped++ {
		available, err := s.stream.AvailableToRead()
		if err != nil {
			return fmt.Errorf("failed to query input buffer: %w", err)
		}
		if available < s.frames {
			break
		}
		if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return err
		}
	}
	if dropped > 0 {
		slog.Debug("Discarded buffered input", "buffers", dropped)
	}
	return nil
}

func (s *portAudioSource) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *portAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}

	s.stopped.Store(true)
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	s.stream = nil
	if stopErr != nil {
		return fmt.Errorf("failed to stop audio stream: %w", stopErr)
	}
	return closeErr
}

type portAudioSink struct {
	driver *PortAudio

	mu      sync.Mutex
	stream  *portaudio.Stream
	samples []int16
}

func (s *portAudioSink) Open(f Format, bufferSize int) error {
	if err := f.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return fmt.Errorf("sink already open")
	}

	device, err := s.driver.findDevice(s.driver.output, false)
	if err != nil {
		return err
	}

	frames := bufferSize / f.BlockAlign()
	s.samples = make([]int16, frames*f.Channels)

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: f.Channels,
			Latency:  device.DefaultLowOutputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: frames,
	}, s.samples)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start output stream: %w", err)
	}

	s.stream = stream
	slog.Debug("PortAudio output opened", "device", device.Name, "sample_rate", f.SampleRate, "channels", f.Channels)
	return nil
}

func (s *portAudioSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return 0, fmt.Errorf("sink not open")
	}

	BytesToInt16(s.samples, p)
	if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return 0, err
	}
	return len(p), nil
}

func (s *portAudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}

	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	s.stream = nil
	if stopErr != nil {
		return fmt.Errorf("failed to stop output stream: %w", stopErr)
	}
	return closeErr
}
