package acquire

import (
	"errors"
	"fmt"

	"github.com/jbrzusto/ogscope/buffer"
)

var (
	// ErrNotReady is returned when the post-trigger part of a window
	// has not been written yet.
	ErrNotReady = errors.New("acquire: window not yet written")
	// ErrOverwritten is returned when the oldest sample of a window has
	// already been overwritten.
	ErrOverwritten = errors.New("acquire: window already overwritten")
)

// Exporter copies windows of the ring into Captures.  It must only run
// while the source is paused, since the sample slots are read without
// a lock.
type Exporter struct {
	ring *buffer.Ring
	pub  *shared
}

// Export returns the pre+post samples that end at the published write
// position.  Called once the post-trigger countdown is over, that is
// the window around the trigger: pre samples before it and post from
// it on.
func (e *Exporter) Export(pre, post int) (*buffer.Capture, error) {
	if post < 0 {
		return nil, fmt.Errorf("%w: post %d", ErrNotReady, post)
	}
	return e.ExportAt(e.pub.Cursor()-uint64(post), pre, post)
}

// ExportAt returns the samples at logical ring positions
// [anchor-pre, anchor+post).  A request that can not be satisfied
// from the ring is rejected rather than truncated.  Positions before
// the first sample ever written read as zero.
func (e *Exporter) ExportAt(anchor uint64, pre, post int) (*buffer.Capture, error) {
	if pre < 0 || post < 0 {
		return nil, fmt.Errorf("%w: pre %d post %d", buffer.ErrWindowTooLarge, pre, post)
	}
	total := pre + post
	if total > e.ring.Cap() {
		return nil, fmt.Errorf("%w: pre %d + post %d > %d", buffer.ErrWindowTooLarge, pre, post, e.ring.Cap())
	}

	w := e.pub.Cursor()
	if anchor+uint64(post) > w {
		return nil, fmt.Errorf("%w: need up to %d, written %d", ErrNotReady, anchor+uint64(post), w)
	}
	start := anchor - uint64(pre)
	if w-start > uint64(e.ring.Cap()) {
		return nil, fmt.Errorf("%w: start %d, oldest held %d", ErrOverwritten, start, w-uint64(e.ring.Cap()))
	}

	samples := make([]buffer.Sample, total)
	e.ring.CopyWindow(samples, start)
	c := buffer.NewCapture(samples, pre, post)
	c.TrigPos = anchor
	return c, nil
}
