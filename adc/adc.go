// Interface to the sampling front-end.
//
// A front-end digitizes one channel continuously and hands samples
// over in fixed-size frames.  Whenever a frame is ready it pokes a
// Notifier from its own (interrupt-like) context; that context may
// only signal, never block, allocate or log.  If the consumer falls
// behind and the front-end's frame pool fills up, frames are dropped
// and the Notifier is told how many samples were lost, so data loss is
// reported instead of looking like just another wake-up.
//
// Raw codes are converted to millivolts by a Calibrator, which may be
// unavailable; consumers then report raw codes.
package adc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jbrzusto/ogscope/buffer"
)

const (
	DefaultSampleRate = 1e6     // samples per second
	DefaultFrameSize  = 256     // samples per frame
	DefaultPoolFrames = 16      // frames the front-end can hold before dropping
	DefaultBitWidth   = 12      // bits per sample
	MaxBitWidth       = 16      // samples are packed into a uint16
	MinFramePeriod    = 1 << 20 // nanoseconds; shortest generation tick of the synthetic source
)

// ErrNoData is returned by Source.Read when no frame is waiting.  It
// is not a failure: the reader should wait for the next notification.
var ErrNoData = errors.New("adc: no data")

// ErrConfig is returned for front-end settings that can not be used.
var ErrConfig = errors.New("adc: invalid configuration")

// Source is a sampling front-end.
type Source interface {
	// Start begins (or resumes) sampling.
	Start() error
	// Stop halts sampling.  Frames already in the pool stay readable.
	Stop() error
	// Read copies waiting samples into dst and returns how many were
	// copied, or ErrNoData when there are none.
	Read(dst []buffer.Sample) (int, error)
	// Notifier is signalled when frames are ready or dropped.
	Notifier() *Notifier
}

// Notifier carries wake-ups from a front-end to the goroutine that
// drains it.  Both signalling methods are safe to call from any
// goroutine and never block.
type Notifier struct {
	ready     chan struct{}
	dropped   atomic.Uint64 // samples lost since the last TakeDropped
	overflows atomic.Uint64 // overflow events since creation
}

// NewNotifier returns a Notifier with no pending wake-up.
func NewNotifier() *Notifier {
	return &Notifier{ready: make(chan struct{}, 1)}
}

// FrameReady signals that at least one frame can be read.
func (n *Notifier) FrameReady() {
	n.wake()
}

// Overflow records that samples were dropped because the pool was
// full, and wakes the reader so it drains what is there.
func (n *Notifier) Overflow(samples int) {
	n.dropped.Add(uint64(samples))
	n.overflows.Add(1)
	n.wake()
}

func (n *Notifier) wake() {
	select {
	case n.ready <- struct{}{}:
	default:
	}
}

// Ready is the channel the reader waits on.  Several signals before
// the reader wakes collapse into one.
func (n *Notifier) Ready() <-chan struct{} {
	return n.ready
}

// TakeDropped returns the samples dropped since the previous call.
func (n *Notifier) TakeDropped() uint64 {
	return n.dropped.Swap(0)
}

// Overflows is the number of overflow events since creation.
func (n *Notifier) Overflows() uint64 {
	return n.overflows.Load()
}

// Calibrator converts raw codes to millivolts.  ok is false when no
// calibration is available.
type Calibrator interface {
	Millivolts(raw buffer.Sample) (mv int, ok bool)
}

// Uncalibrated is a Calibrator for a front-end without calibration data.
type Uncalibrated struct{}

// Millivolts always reports that no calibration is available.
func (Uncalibrated) Millivolts(buffer.Sample) (int, bool) {
	return 0, false
}

// LineFit converts codes with a straight line: mv = raw*Gain/Scale + Offset.
// The coefficients come from the front-end's calibration record; they
// are not fitted here.
type LineFit struct {
	Gain   int `mapstructure:"gain" desc:"millivolts per Scale codes"`
	Scale  int `mapstructure:"scale" desc:"divisor applied after Gain; must not be zero"`
	Offset int `mapstructure:"offset" desc:"millivolts at code zero"`
}

// NewLineFit checks the coefficients.
func NewLineFit(gain, scale, offset int) (*LineFit, error) {
	if scale == 0 {
		return nil, fmt.Errorf("%w: line fit scale is zero", ErrConfig)
	}
	return &LineFit{Gain: gain, Scale: scale, Offset: offset}, nil
}

// Millivolts applies the line.
func (l *LineFit) Millivolts(raw buffer.Sample) (int, bool) {
	return int(raw)*l.Gain/l.Scale + l.Offset, true
}

// Control is the set of front-end settings.  The struct tags are used
// both to read the settings from the config file and to describe them
// (see cmd/showcfg).
type Control struct {
	SampleRate  float64 `mapstructure:"sample_rate" desc:"Sample Rate: conversions per second.  Up to ~1e6 for the target front-ends."`
	FrameSize   int     `mapstructure:"frame_size" desc:"Frame Size: samples delivered per notification."`
	PoolFrames  int     `mapstructure:"pool_frames" desc:"Pool Frames: frames held by the front-end before new ones are dropped (overflow)."`
	BitWidth    int     `mapstructure:"bit_width" desc:"Bit Width: significant bits per sample, 1...16; generated codes are clamped to this range."`
	Baseline    int     `mapstructure:"baseline" desc:"Baseline: code of the quiescent signal (synthetic source only)."`
	Noise       float64 `mapstructure:"noise" desc:"Noise: standard deviation of gaussian noise added to each sample, in codes (synthetic source only)."`
	PulseEvery  int     `mapstructure:"pulse_every" desc:"Pulse Every: samples between the starts of successive pulses; 0 disables pulses (synthetic source only)."`
	PulseHeight int     `mapstructure:"pulse_height" desc:"Pulse Height: codes added to the baseline during a pulse; negative for downward pulses (synthetic source only)."`
	PulseWidth  int     `mapstructure:"pulse_width" desc:"Pulse Width: samples per pulse (synthetic source only)."`
	Seed        int64   `mapstructure:"seed" desc:"Seed: noise generator seed (synthetic source only)."`
}

// DefaultControl returns settings matching a 12-bit, 1 MHz front-end.
func DefaultControl() Control {
	return Control{
		SampleRate:  DefaultSampleRate,
		FrameSize:   DefaultFrameSize,
		PoolFrames:  DefaultPoolFrames,
		BitWidth:    DefaultBitWidth,
		Baseline:    1 << (DefaultBitWidth - 2),
		Noise:       4,
		PulseEvery:  250000,
		PulseHeight: 1 << (DefaultBitWidth - 2),
		PulseWidth:  2000,
		Seed:        1,
	}
}

// Validate checks that the settings can drive a source.
func (c Control) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %g", ErrConfig, c.SampleRate)
	case c.FrameSize <= 0:
		return fmt.Errorf("%w: frame size %d", ErrConfig, c.FrameSize)
	case c.PoolFrames <= 0:
		return fmt.Errorf("%w: pool frames %d", ErrConfig, c.PoolFrames)
	case c.BitWidth < 1 || c.BitWidth > MaxBitWidth:
		return fmt.Errorf("%w: bit width %d not in 1...%d", ErrConfig, c.BitWidth, MaxBitWidth)
	case c.PulseEvery < 0 || c.PulseWidth < 0:
		return fmt.Errorf("%w: pulse every %d width %d", ErrConfig, c.PulseEvery, c.PulseWidth)
	case c.Noise < 0:
		return fmt.Errorf("%w: noise %g", ErrConfig, c.Noise)
	}
	return nil
}

// MaxCode is the largest code a sample can hold at this bit width.
func (c Control) MaxCode() int {
	return 1<<uint(c.BitWidth) - 1
}
