package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/audio"
)

const testFrameBytes = 640

type fakeSource struct {
	mu       sync.Mutex
	minSizes []int
	probes   int
	openErr  error
	opened   int
	closed   int
	stopCh   chan struct{}
	stopped  bool
	frames   chan []byte
	reads    atomic.Int32

	// backlog holds blocks the device captured while nobody was reading
	backlog   chan []byte
	discards  atomic.Int32
	failReads atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte), backlog: make(chan []byte, 8)}
}

func (s *fakeSource) MinBufferSize(audio.Format) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.probes++
	if s.probes <= len(s.minSizes) {
		return s.minSizes[s.probes-1], nil
	}
	return testFrameBytes, nil
}

func (s *fakeSource) Open(f audio.Format, bufferSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		return s.openErr
	}
	s.opened++
	s.stopCh = make(chan struct{})
	s.stopped = false
	return nil
}

func (s *fakeSource) Read(p []byte) (int, error) {
	s.reads.Add(1)

	if s.failReads.Load() > 0 {
		s.failReads.Add(-1)
		return 0, errors.New("input device glitch")
	}

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	select {
	case <-stopCh:
		return 0, audio.ErrStopped
	case frame := <-s.backlog:
		return copy(p, frame), nil
	case frame := <-s.frames:
		return copy(p, frame), nil
	}
}

func (s *fakeSource) Discard() error {
	s.discards.Add(1)
	for {
		select {
		case <-s.backlog:
		default:
			return nil
		}
	}
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil && !s.stopped {
		close(s.stopCh)
		s.stopped = true
	}
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSource) counts() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed
}

type fakeSink struct {
	mu      sync.Mutex
	openErr error
	opened  int
	closed  int
	open    bool
	written [][]byte
}

func (s *fakeSink) Open(audio.Format, int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		return s.openErr
	}
	s.opened++
	s.open = true
	return nil
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return 0, errors.New("sink closed")
	}
	s.written = append(s.written, append([]byte(nil), p...))
	return len(p), nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.open = false
	return nil
}

func (s *fakeSink) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

type fakeDriver struct {
	source *fakeSource
	sink   *fakeSink
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{source: newFakeSource(), sink: &fakeSink{}}
}

func (d *fakeDriver) NewSource() audio.Source { return d.source }
func (d *fakeDriver) NewSink() audio.Sink { return d.sink }
func (d *fakeDriver) ListDevices() ([]audio.Device, error) { return nil, nil }
func (d *fakeDriver) Close() error { return nil }

type progressEvent struct {
	elapsed   time.Duration
	amplitude int
	active    bool
}

type recordingCallback struct {
	mu       sync.Mutex
	events   []string
	errs     []error
	progress []progressEvent
}

func (c *recordingCallback) OnStartRecord() { c.add("start") }
func (c *recordingCallback) OnPauseRecord() { c.add("pause") }
func (c *recordingCallback) OnStopRecord(path string) {
	c.add("stop:" + filepath.Base(path))
}

func (c *recordingCallback) OnProgress(elapsed time.Duration, amplitude int, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, progressEvent{elapsed, amplitude, active})
}

func (c *recordingCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *recordingCallback) add(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *recordingCallback) snapshot() ([]string, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...), append([]error(nil), c.errs...)
}

func (c *recordingCallback) progressEvents() []progressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progressEvent(nil), c.progress...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// newTestRecorder returns a prepared mono 44.1kHz recorder whose ticker only
// fires on start, so tests drive ticks by hand.
func newTestRecorder(t *testing.T) (*WavRecorder, *fakeDriver, *recordingCallback) {
	t.Helper()

	driver := newFakeDriver()
	cb := &recordingCallback{}
	rec := NewWavRecorder(driver, time.Hour)
	rec.SetCallback(cb)
	if err := rec.Prepare(1, 44100, 0); err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	t.Cleanup(func() { rec.Release() })
	return rec, driver, cb
}

// push hands one block to the capture loop and waits until it is processed.
func push(t *testing.T, rec *WavRecorder, src *fakeSource, frame []byte) {
	t.Helper()

	before := rec.processed.Load()
	select {
	case src.frames <- frame:
	case <-time.After(2 * time.Second):
		t.Fatal("capture loop did not read the block")
	}
	waitFor(t, "block to be processed", func() bool { return rec.processed.Load() > before })
}

func frameWithPeak(peak int16) []byte {
	samples := make([]int16, testFrameBytes/2)
	samples[len(samples)/2] = peak
	frame := make([]byte, testFrameBytes)
	audio.Int16ToBytes(frame, samples)
	return frame
}

// newOutputFile creates the empty file a file provider would hand out.
func newOutputFile(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}

func eventsString(events []string) string {
	return fmt.Sprintf("%v", events)
}
