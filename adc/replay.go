package adc

import (
	"sync"

	"github.com/jbrzusto/ogscope/buffer"
)

// Replay is a Source that delivers a queue of prepared frames.  Frames
// are only delivered while the source is started, the way a stopped
// front-end produces nothing; frames pushed while stopped wait for the
// next Start.
type Replay struct {
	notify *Notifier

	mu      sync.Mutex
	frames  [][]buffer.Sample
	off     int // samples already read from frames[0]
	running bool
	starts  int
	stops   int
}

// NewReplay returns a stopped Replay holding frames.
func NewReplay(frames ...[]buffer.Sample) *Replay {
	return &Replay{notify: NewNotifier(), frames: frames}
}

// Push queues a frame, signalling the reader if the source is running.
func (r *Replay) Push(frame []buffer.Sample) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	running := r.running
	r.mu.Unlock()
	if running {
		r.notify.FrameReady()
	}
}

// Pending is the number of queued samples not yet read.
func (r *Replay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := -r.off
	for _, f := range r.frames {
		n += len(f)
	}
	return n
}

// Notifier implements Source.
func (r *Replay) Notifier() *Notifier {
	return r.notify
}

// Start implements Source.
func (r *Replay) Start() error {
	r.mu.Lock()
	r.running = true
	r.starts++
	pending := len(r.frames) > 0
	r.mu.Unlock()
	if pending {
		r.notify.FrameReady()
	}
	return nil
}

// Stop implements Source.
func (r *Replay) Stop() error {
	r.mu.Lock()
	r.running = false
	r.stops++
	r.mu.Unlock()
	return nil
}

// Cycles returns how many times the source was started and stopped.
func (r *Replay) Cycles() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

// Read implements Source.
func (r *Replay) Read(dst []buffer.Sample) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || len(r.frames) == 0 {
		return 0, ErrNoData
	}
	n := copy(dst, r.frames[0][r.off:])
	r.off += n
	if r.off == len(r.frames[0]) {
		r.frames[0] = nil
		r.frames = r.frames[1:]
		r.off = 0
	}
	return n, nil
}
