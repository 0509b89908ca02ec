// Package filter implements a streaming trapezoidal filter over a
// sample ring.
//
// The filter output is the sum of the most recent "lobe" of samples
// minus the sum of an older lobe separated from it by a gap.  A step
// in the input produces a trapezoid-shaped response whose flat top is
// proportional to the step height, while a constant baseline produces
// zero.  Each new sample updates the output by adding and subtracting
// four short sums at the edges of the lobes, so the cost per sample
// does not depend on the lobe length.
package filter

import (
	"errors"
	"fmt"

	"github.com/jbrzusto/ogscope/buffer"
)

// ErrShape is returned for a filter shape that can not be used.
var ErrShape = errors.New("filter: invalid shape")

// Shape holds the parameters that fix the response of a Trapezoid.
type Shape struct {
	Rate   int `mapstructure:"rate" desc:"samples summed per step; sets the rise time of the trapezoid"`
	Length int `mapstructure:"length" desc:"Rate-sums per lobe (one flat-top half); must be >= rate"`
	Gap    int `mapstructure:"gap" desc:"flat-top separation between the two lobes"`
}

// History is the number of samples of history needed by the filter.
func (s Shape) History() int {
	return 2*s.Length + s.Gap + 2*s.Rate
}

// Norm is the effective filter length used to normalize the output.
func (s Shape) Norm() int64 {
	return int64(2 * s.Length * s.Rate)
}

// Validate checks the shape against a ring of the given capacity.
func (s Shape) Validate(capacity int) error {
	switch {
	case s.Rate < 1:
		return fmt.Errorf("%w: rate %d < 1", ErrShape, s.Rate)
	case s.Length < s.Rate:
		return fmt.Errorf("%w: length %d < rate %d", ErrShape, s.Length, s.Rate)
	case s.Gap < 0:
		return fmt.Errorf("%w: gap %d < 0", ErrShape, s.Gap)
	case s.History() > capacity:
		return fmt.Errorf("%w: needs %d samples of history, ring holds %d", ErrShape, s.History(), capacity)
	}
	return nil
}

// Trapezoid is the running state of one filter instance.  It is
// updated by the goroutine that writes the ring, once per sample.
type Trapezoid struct {
	shape Shape

	// shifts between the ends of consecutive R-sample sums
	lengthShift uint64
	gapShift    uint64

	value       int64  // un-normalized running output
	pos         uint64 // ring position the value corresponds to
	processed   uint64 // updates since initialization
	initialized bool
}

// New returns a filter with the given shape, validated against ring.
func New(shape Shape, ring *buffer.Ring) (*Trapezoid, error) {
	if err := shape.Validate(ring.Cap()); err != nil {
		return nil, err
	}
	return &Trapezoid{
		shape:       shape,
		lengthShift: uint64(shape.Length - shape.Rate + 1),
		gapShift:    uint64(shape.Gap - shape.Rate + 1),
	}, nil
}

// Shape returns the filter parameters.
func (f *Trapezoid) Shape() Shape {
	return f.shape
}

// Reset discards the running value; the next Update re-seeds it.
func (f *Trapezoid) Reset() {
	f.value = 0
	f.pos = 0
	f.processed = 0
	f.initialized = false
}

// sumStep returns the sum of the Rate samples ending at *pos, walking
// backwards, and leaves *pos on the oldest sample summed.
func (f *Trapezoid) sumStep(ring *buffer.Ring, pos *uint64) int64 {
	sum := int64(ring.At(*pos))
	for i := 1; i < f.shape.Rate; i++ {
		*pos--
		sum += int64(ring.At(*pos))
	}
	return sum
}

// Update advances the filter to include the most recently written
// sample in ring and returns the un-normalized value.
//
// The first call after New or Reset seeds the value with the sum of
// the last Rate samples.  On a ring that was zero before the first
// sample this is already the exact filter value; otherwise the value
// carries a constant offset from the samples that were in the ring
// before seeding.
func (f *Trapezoid) Update(ring *buffer.Ring) int64 {
	work := ring.Pos() - 1 // most recent sample
	f.pos = ring.Pos()
	if !f.initialized {
		f.value = f.sumStep(ring, &work)
		f.initialized = true
		return f.value
	}

	f.value += f.sumStep(ring, &work)

	work -= f.lengthShift
	f.value -= f.sumStep(ring, &work)

	work -= f.gapShift
	f.value -= f.sumStep(ring, &work)

	work -= f.lengthShift
	f.value += f.sumStep(ring, &work)

	f.processed++
	return f.value
}

// Value is the un-normalized running output.
func (f *Trapezoid) Value() int64 {
	return f.value
}

// Normalized is the running output divided by the effective filter
// length.  Only for display and threshold comparison; the running value
// itself stays un-normalized.
func (f *Trapezoid) Normalized() int64 {
	return f.value / f.shape.Norm()
}

// Processed is the number of incremental updates since seeding.
func (f *Trapezoid) Processed() uint64 {
	return f.processed
}

// Initialized reports whether the filter has been seeded.
func (f *Trapezoid) Initialized() bool {
	return f.initialized
}

// Pos is the ring position the current value was computed at.
func (f *Trapezoid) Pos() uint64 {
	return f.pos
}

// Direct computes the filter value for the current ring contents from
// scratch: the Length most recent Rate-sums minus the Length Rate-sums
// that start Length+Gap samples further back.  It costs
// O(Length*Rate) and exists to check the incremental path.
func (f *Trapezoid) Direct(ring *buffer.Ring) int64 {
	p := ring.Pos() - 1
	lag := uint64(f.shape.Length + f.shape.Gap)
	var v int64
	for m := uint64(0); m < uint64(f.shape.Length); m++ {
		recent := p - m
		older := recent - lag
		v += f.sumStep(ring, &recent)
		v -= f.sumStep(ring, &older)
	}
	return v
}
