// Buffer sampled signal data.
//
// Samples from the digitizer are written into a fixed-size ring
// buffer so that, when a trigger is detected, the samples that arrived
// *before* the trigger are still available.  The ring is sized to a
// power of two so that wrapping a logical position onto a slot is a
// single mask operation, which matters at sample rates of ~1 MHz.
//
// A window of the ring is linearized into a Capture, which carries the
// samples together with metadata about the trigger that caused it.
package buffer

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// A Sample represents the raw ADC code for one conversion.  Front ends
// deliver 12 to 16 bits of precision, which we pack into a uint16.
type Sample uint16

// SampleSize is the size of a Sample in bytes.
const SampleSize = int(unsafe.Sizeof(Sample(0)))

var (
	// ErrCapacity is returned for a ring capacity that is zero or not a power of two.
	ErrCapacity = errors.New("buffer: capacity must be a non-zero power of two")
	// ErrWindowTooLarge is returned when more samples are requested than the ring holds.
	ErrWindowTooLarge = errors.New("buffer: window larger than ring capacity")
	// ErrNegativeCount is returned when a negative number of samples is requested.
	ErrNegativeCount = errors.New("buffer: negative sample count")
)

// Ring is a circular store of the most recent samples.  Positions are
// logical: they increase forever and are mapped onto a slot with
// pos & mask.  At any instant the slots for logical positions
// [Pos()-Cap(), Pos()) hold the most recent samples; anything older
// has been overwritten.
//
// A Ring has exactly one writer.  Readers must only read while the
// writer is paused, or read positions the writer can not reach before
// they are done.
type Ring struct {
	buf  []Sample // sample slots
	mask uint64   // len(buf) - 1
	w    uint64   // logical position of the next sample to be written
}

// NewRing allocates a ring holding capacity samples.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}
	return &Ring{
		buf:  make([]Sample, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// Write stores s in the next slot, overwriting the oldest sample once
// the ring is full.
func (r *Ring) Write(s Sample) {
	r.buf[r.w&r.mask] = s
	r.w++
}

// Pos returns the logical position of the next sample to be written.
// It is only safe to call from the writer; other goroutines should use
// a published copy.
func (r *Ring) Pos() uint64 {
	return r.w
}

// Cap is the number of samples the ring holds.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Mask is Cap()-1.
func (r *Ring) Mask() uint64 {
	return r.mask
}

// At returns the sample stored for logical position pos.
func (r *Ring) At(pos uint64) Sample {
	return r.buf[pos&r.mask]
}

// ReadWindow returns count samples starting at logical position start,
// in order, as a freshly allocated slice.
func (r *Ring) ReadWindow(start uint64, count int) ([]Sample, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeCount, count)
	}
	if count > len(r.buf) {
		return nil, fmt.Errorf("%w: %d > %d", ErrWindowTooLarge, count, len(r.buf))
	}
	out := make([]Sample, count)
	r.CopyWindow(out, start)
	return out, nil
}

// CopyWindow fills dst with len(dst) samples starting at logical
// position start.  The copy is done in at most two contiguous pieces:
// from the start slot to the end of the ring, then from the beginning.
// len(dst) must not exceed Cap().
func (r *Ring) CopyWindow(dst []Sample, start uint64) {
	i := int(start & r.mask)
	n := copy(dst, r.buf[i:])
	copy(dst[n:], r.buf[:len(dst)-n])
}

// A Capture represents the samples exported around one trigger.  It
// can be thought of as a trace of signal strength versus time, with
// metadata so that the trace can be matched to the trigger that caused
// it.  Samples[:Pre] arrived before the trigger and Samples[Pre:] after.
type Capture struct {
	ID       uuid.UUID // unique per export
	TrigPos  uint64    // logical ring position just after the triggering sample
	TrigTime time.Time // wall-clock time the trigger was seen
	Level    int64     // normalized filter output that fired the trigger
	Pre      int       // samples before the trigger
	Post     int       // samples from the trigger on
	Captured time.Time // when the samples were linearized
	Samples  []Sample  // contiguous, oldest first
	Checksum uint64    // xxh3 of the sample bytes in native byte order
}

// NewCapture wraps samples in a Capture with a fresh ID and checksum.
func NewCapture(samples []Sample, pre, post int) *Capture {
	return &Capture{
		ID:       uuid.New(),
		Pre:      pre,
		Post:     post,
		Captured: time.Now(),
		Samples:  samples,
		Checksum: Checksum(samples),
	}
}

// Len is the number of samples in the capture.
func (c *Capture) Len() int {
	return len(c.Samples)
}

// Verify reports whether the samples still match the checksum taken
// at export time.
func (c *Capture) Verify() bool {
	return Checksum(c.Samples) == c.Checksum
}

// Checksum hashes the in-memory bytes of samples.
func Checksum(samples []Sample) uint64 {
	if len(samples) == 0 {
		return xxh3.Hash(nil)
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*SampleSize)
	return xxh3.Hash(b)
}
