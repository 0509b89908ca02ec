package acquire

import (
	"sync"

	"github.com/jbrzusto/ogscope/adc"
	"github.com/jbrzusto/ogscope/buffer"
	"github.com/jbrzusto/ogscope/filter"
	"github.com/jbrzusto/ogscope/trigger"
)

// shared is the only state touched by more than one goroutine: the
// published ring cursor and the statistics accumulators.  The
// producer takes the lock once per frame, the reporter once per tick.
type shared struct {
	mu     sync.Mutex
	cursor uint64 // ring position after the last ingested sample
	acc    frameStats
}

// frameStats accumulates statistics for a frame, then for a reporting
// interval.  Values are weighted by the subsampling stride.
type frameStats struct {
	samples   uint64
	mvSum     int64
	mvWeight  int64
	rawSum    int64
	rawWeight int64
}

func (f *frameStats) add(o frameStats) {
	f.samples += o.samples
	f.mvSum += o.mvSum
	f.mvWeight += o.mvWeight
	f.rawSum += o.rawSum
	f.rawWeight += o.rawWeight
}

func (s *shared) publish(cursor uint64, fs frameStats) {
	s.mu.Lock()
	s.cursor = cursor
	s.acc.add(fs)
	s.mu.Unlock()
}

// Cursor returns the published ring position.
func (s *shared) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// take returns and clears the accumulated statistics.
func (s *shared) take() (uint64, frameStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.acc
	s.acc = frameStats{}
	return s.cursor, fs
}

// Ingestor pushes frames of samples through the ring, the filter and
// the trigger, one sample at a time and in order.
type Ingestor struct {
	ring   *buffer.Ring
	filt   *filter.Trapezoid
	trig   *trigger.Controller
	cal    adc.Calibrator
	pub    *shared
	stride int64
	mask   uint64
	n      uint64 // samples ingested since start
}

// Ingest consumes samples from frame until it is exhausted or until a
// sample completes a capture window.  It returns the number of samples
// consumed and whether an export is due; when it is, the caller must
// pause the source and export before ingesting the rest of the frame.
// The cursor and statistics are published once per call.
func (in *Ingestor) Ingest(frame []buffer.Sample) (int, bool) {
	var fs frameStats
	due := false
	i := 0
	for i < len(frame) {
		s := frame[i]
		i++
		in.ring.Write(s)
		in.filt.Update(in.ring)

		in.n++
		if in.n&in.mask == 0 {
			if mv, ok := in.cal.Millivolts(s); ok {
				fs.mvSum += int64(mv) * in.stride
				fs.mvWeight += in.stride
			} else {
				fs.rawSum += int64(s) * in.stride
				fs.rawWeight += in.stride
			}
		}

		if in.trig.Observe(in.filt.Normalized(), in.ring.Pos()) {
			due = true
			break
		}
	}
	fs.samples = uint64(i)
	in.pub.publish(in.ring.Pos(), fs)
	return i, due
}
