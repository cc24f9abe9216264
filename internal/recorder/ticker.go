package recorder

import (
	"sync"
	"time"
)

// Ticker emits progress at a fixed interval, independent of the capture
// cadence. Elapsed time advances by one interval per tick while the sample
// function reports active, and is frozen otherwise.
type Ticker struct {
	interval time.Duration
	sample   func() (amplitude int, active bool)
	emit     func(elapsed time.Duration, amplitude int, active bool)

	// elapsedMu guards elapsed and gen; a Reset bumps gen so a tick already
	// in flight does not advance the new segment
	elapsedMu sync.Mutex
	elapsed   time.Duration
	gen       uint64

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewTicker(interval time.Duration, sample func() (int, bool), emit func(time.Duration, int, bool)) *Ticker {
	return &Ticker{interval: interval, sample: sample, emit: emit}
}

// Start begins ticking. The first tick fires immediately.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(t.stop, t.done)
}

func (t *Ticker) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// a stop racing with a tick wins
			select {
			case <-stop:
				return
			default:
			}
			t.tick()
		}
	}
}

func (t *Ticker) tick() {
	amp, active := t.sample()

	t.elapsedMu.Lock()
	elapsed, gen := t.elapsed, t.gen
	t.elapsedMu.Unlock()

	t.emit(elapsed, amp, active)

	if active {
		t.elapsedMu.Lock()
		if t.gen == gen {
			t.elapsed += t.interval
		}
		t.elapsedMu.Unlock()
	}
}

// Stop halts the ticker and waits for a running tick to return. No emit
// happens after Stop returns. Elapsed time is reset.
func (t *Ticker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	t.Reset()
}

// Reset sets elapsed time back to zero.
func (t *Ticker) Reset() {
	t.elapsedMu.Lock()
	defer t.elapsedMu.Unlock()
	t.elapsed = 0
	t.gen++
}

func (t *Ticker) Elapsed() time.Duration {
	t.elapsedMu.Lock()
	defer t.elapsedMu.Unlock()
	return t.elapsed
}
