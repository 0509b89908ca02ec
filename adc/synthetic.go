package adc

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jbrzusto/ogscope/buffer"
)

// Synthetic is a Source that generates a noisy baseline with periodic
// rectangular pulses, in real time, at the configured sample rate.  It
// behaves like a DMA front-end: frames are produced into a fixed pool
// whether or not anyone reads them, and are dropped (with an overflow
// notification) when the pool is full.
type Synthetic struct {
	ctl    Control
	notify *Notifier
	full   chan []buffer.Sample // frames waiting to be read, oldest first
	free   chan []buffer.Sample // frames available to the generator

	mu   sync.Mutex
	stop chan struct{} // nil when stopped
	done chan struct{}

	// generator state, owned by the generator goroutine
	rng *rand.Rand
	n   uint64 // samples generated, including dropped ones

	// reader state, owned by the single reader
	cur []buffer.Sample
	off int
}

// NewSynthetic allocates the frame pool for a synthetic front-end.
// Sampling does not begin until Start.
func NewSynthetic(ctl Control) (*Synthetic, error) {
	if err := ctl.Validate(); err != nil {
		return nil, err
	}
	s := &Synthetic{
		ctl:    ctl,
		notify: NewNotifier(),
		full:   make(chan []buffer.Sample, ctl.PoolFrames),
		free:   make(chan []buffer.Sample, ctl.PoolFrames+1),
		rng:    rand.New(rand.NewSource(ctl.Seed)),
	}
	// one more frame than the pool holds: the one being read
	for i := 0; i < ctl.PoolFrames+1; i++ {
		s.free <- make([]buffer.Sample, ctl.FrameSize)
	}
	return s, nil
}

// Notifier implements Source.
func (s *Synthetic) Notifier() *Notifier {
	return s.notify
}

// Start implements Source.  Starting a running source does nothing.
func (s *Synthetic) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

// Stop implements Source.  It returns once the generator has halted.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
	return nil
}

// period is the time taken to sample one frame.
func (s *Synthetic) period() time.Duration {
	return time.Duration(float64(s.ctl.FrameSize) / s.ctl.SampleRate * float64(time.Second))
}

func (s *Synthetic) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	period := s.period()
	if period <= 0 {
		period = 1
	}
	tick := period
	if tick < MinFramePeriod {
		tick = MinFramePeriod
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	start := time.Now()
	var made int64
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			// catch up on every frame that would have been sampled by now
			due := int64(now.Sub(start) / period)
			for ; made < due; made++ {
				s.emit()
			}
		}
	}
}

// emit produces one frame into the pool, or reports it dropped.
func (s *Synthetic) emit() {
	var f []buffer.Sample
	select {
	case f = <-s.free:
	default:
		s.n += uint64(s.ctl.FrameSize)
		s.notify.Overflow(s.ctl.FrameSize)
		return
	}
	s.fill(f)
	select {
	case s.full <- f:
		s.notify.FrameReady()
	default:
		s.free <- f
		s.notify.Overflow(len(f))
	}
}

func (s *Synthetic) fill(f []buffer.Sample) {
	top := float64(s.ctl.MaxCode())
	every := uint64(s.ctl.PulseEvery)
	width := uint64(s.ctl.PulseWidth)
	for i := range f {
		v := float64(s.ctl.Baseline)
		if s.ctl.Noise > 0 {
			v += s.rng.NormFloat64() * s.ctl.Noise
		}
		if every > 0 && s.n%every < width {
			v += float64(s.ctl.PulseHeight)
		}
		switch {
		case v < 0:
			v = 0
		case v > top:
			v = top
		}
		f[i] = buffer.Sample(v + 0.5)
		s.n++
	}
}

// Read implements Source.  It must only be called from one goroutine.
func (s *Synthetic) Read(dst []buffer.Sample) (int, error) {
	if s.cur == nil {
		select {
		case s.cur = <-s.full:
			s.off = 0
		default:
			return 0, ErrNoData
		}
	}
	n := copy(dst, s.cur[s.off:])
	s.off += n
	if s.off == len(s.cur) {
		s.free <- s.cur
		s.cur = nil
	}
	return n, nil
}
