package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// queueDepth is how many callback periods may wait between the device
// thread and the reader before the oldest data is dropped.
const queueDepth = 32

// Malgo implements Driver on top of miniaudio. miniaudio delivers audio
// through callbacks; the Source and Sink here turn that into blocking
// Read and Write calls.
type Malgo struct {
	ctx    *malgo.AllocatedContext
	input  string
	output string
}

func NewMalgo(input, output string) (*Malgo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Malgo{ctx: ctx, input: input, output: output}, nil
}

func (m *Malgo) NewSource() Source {
	return &malgoSource{driver: m}
}

func (m *Malgo) NewSink() Sink {
	return &malgoSink{driver: m}
}

func (m *Malgo) ListDevices() ([]Device, error) {
	var result []Device

	captures, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}
	for _, d := range captures {
		result = append(result, Device{ID: d.ID.String(), Name: d.Name(), Input: true, Default: d.IsDefault != 0})
	}

	playbacks, err := m.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to list playback devices: %w", err)
	}
	for _, d := range playbacks {
		result = append(result, Device{ID: d.ID.String(), Name: d.Name(), Output: true, Default: d.IsDefault != 0})
	}

	return result, nil
}

func (m *Malgo) Close() error {
	if err := m.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	m.ctx.Free()
	return nil
}

// deviceID resolves a device name to a miniaudio ID; nil selects the default.
func (m *Malgo) deviceID(kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := m.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name() == name {
			id := d.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

type malgoSource struct {
	driver *Malgo

	mu      sync.Mutex
	device  *malgo.Device
	chunks  chan []byte
	pending []byte
	stopCh  chan struct{}
	stopped sync.Once
}

func (s *malgoSource) MinBufferSize(f Format) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	return minFrames(f, 0) * f.BlockAlign(), nil
}

func (s *malgoSource) Open(f Format, bufferSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return fmt.Errorf("source already open")
	}

	id, err := s.driver.deviceID(malgo.Capture, s.driver.input)
	if err != nil {
		return err
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = uint32(f.Channels)
	deviceCfg.SampleRate = uint32(f.SampleRate)
	deviceCfg.PeriodSizeInFrames = uint32(bufferSize / f.BlockAlign())
	deviceCfg.Alsa.NoMMap = 1
	if id != nil {
		deviceCfg.Capture.DeviceID = id.Pointer()
	}

	s.chunks = make(chan []byte, queueDepth)
	s.stopCh = make(chan struct{})
	s.stopped = sync.Once{}
	s.pending = nil

	chunks := s.chunks
	device, err := malgo.InitDevice(s.driver.ctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			// input is reused by miniaudio after the callback returns
			data := make([]byte, len(input))
			copy(data, input)
			select {
			case chunks <- data:
			default:
				slog.Debug("miniaudio capture queue full, dropping period")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("initializing capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("starting capture device: %w", err)
	}

	s.device = device
	slog.Debug("miniaudio input opened", "sample_rate", f.SampleRate, "channels", f.Channels)
	return nil
}

func (s *malgoSource) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(s.pending) > 0 {
			c := copy(p[n:], s.pending)
			s.pending = s.pending[c:]
			n += c
			continue
		}
		select {
		case <-s.stopCh:
			return n, ErrStopped
		case chunk := <-s.chunks:
			s.pending = chunk
		}
	}
	return n, nil
}

// Discard empties the period queue the callback fills while nobody reads.
func (s *malgoSource) Discard() error {
	dropped := len(s.pending)
	s.pending = nil
	for {
		select {
		case chunk := <-s.chunks:
			dropped += len(chunk)
		default:
			if dropped > 0 {
				slog.Debug("Discarded buffered input", "bytes", dropped)
			}
			return nil
		}
	}
}

func (s *malgoSource) Stop() error {
	if s.stopCh != nil {
		s.stopped.Do(func() { close(s.stopCh) })
	}
	return nil
}

func (s *malgoSource) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return nil
}

type malgoSink struct {
	driver *Malgo

	mu      sync.Mutex
	device  *malgo.Device
	chunks  chan []byte
	pending []byte
	done    chan struct{}
}

func (s *malgoSink) Open(f Format, bufferSize int) error {
	if err := f.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return fmt.Errorf("sink already open")
	}

	id, err := s.driver.deviceID(malgo.Playback, s.driver.output)
	if err != nil {
		return err
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatS16
	deviceCfg.Playback.Channels = uint32(f.Channels)
	deviceCfg.SampleRate = uint32(f.SampleRate)
	deviceCfg.PeriodSizeInFrames = uint32(bufferSize / f.BlockAlign())
	if id != nil {
		deviceCfg.Playback.DeviceID = id.Pointer()
	}

	s.chunks = make(chan []byte, queueDepth)
	s.done = make(chan struct{})
	s.pending = nil

	device, err := malgo.InitDevice(s.driver.ctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: s.fill,
	})
	if err != nil {
		return fmt.Errorf("initializing playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("starting playback device: %w", err)
	}

	s.device = device
	return nil
}

// fill runs on the miniaudio thread; missing data plays as silence.
func (s *malgoSink) fill(output, _ []byte, _ uint32) {
	n := 0
	for n < len(output) {
		if len(s.pending) == 0 {
			select {
			case chunk := <-s.chunks:
				s.pending = chunk
			default:
				clear(output[n:])
				return
			}
		}
		c := copy(output[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
}

func (s *malgoSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	chunks, done := s.chunks, s.done
	open := s.device != nil
	s.mu.Unlock()

	if !open {
		return 0, fmt.Errorf("sink not open")
	}

	data := make([]byte, len(p))
	copy(data, p)
	select {
	case chunks <- data:
		return len(p), nil
	case <-done:
		return 0, fmt.Errorf("sink closed")
	}
}

func (s *malgoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	return nil
}
