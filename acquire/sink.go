package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jbrzusto/ogscope/buffer"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink takes ownership of exported captures.  How they leave the
// process (log, serial line, radio) is up to the implementation.
type Sink interface {
	Deliver(ctx context.Context, c *buffer.Capture) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, c *buffer.Capture) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, c *buffer.Capture) error {
	return f(ctx, c)
}

// ErrThrottled is returned by a throttled Sink for a capture it drops.
var ErrThrottled = errors.New("acquire: capture dropped by rate limit")

type throttled struct {
	sink Sink
	lim  *rate.Limiter
}

// Throttle wraps s so that at most perSecond captures per second, in
// bursts of at most burst, reach it.  Captures over the limit are
// dropped with ErrThrottled; they do not wait, since the front-end is
// paused while a capture is delivered.
func Throttle(s Sink, perSecond float64, burst int) Sink {
	return &throttled{sink: s, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Deliver implements Sink.
func (t *throttled) Deliver(ctx context.Context, c *buffer.Capture) error {
	if !t.lim.Allow() {
		return ErrThrottled
	}
	return t.sink.Deliver(ctx, c)
}

// LogSink logs each capture and its first samples.
type LogSink struct {
	Log  zerolog.Logger
	Head int // number of leading samples to log
}

// Deliver implements Sink.
func (s LogSink) Deliver(_ context.Context, c *buffer.Capture) error {
	s.Log.Info().
		Str("id", c.ID.String()).
		Uint64("trig_pos", c.TrigPos).
		Int64("level", c.Level).
		Str("checksum", fmt.Sprintf("%016x", c.Checksum)).
		Msgf("[capture] captured %d pre-trigger + %d post-trigger samples", c.Pre, c.Post)

	for i := 0; i < s.Head && i < c.Len(); i++ {
		s.Log.Info().Msgf("[capture] sample[%d]: %d", i, c.Samples[i])
	}
	return nil
}

// Stats is one statistics report.
type Stats struct {
	Samples   uint64        // samples ingested during the interval
	Average   float64       // mean sample value over the interval
	Unit      string        // calibrated unit (default "mV"), otherwise "raw"
	Cursor    uint64        // ring write position at the end of the interval
	Dropped   uint64        // samples the front-end dropped during the interval
	Overflows uint64        // front-end overflow events since start
	Captures  uint64        // captures exported since start
	Interval  time.Duration // reporting cadence
}

const (
	UnitMillivolts = "mV"
	UnitRaw        = "raw"
)

// makeStats turns accumulated sums into a report; unit labels
// calibrated averages.
func makeStats(cursor uint64, fs frameStats, unit string) Stats {
	s := Stats{Samples: fs.samples, Cursor: cursor, Unit: UnitRaw}
	switch {
	case fs.mvWeight > 0:
		s.Unit = unit
		s.Average = float64(fs.mvSum) / float64(fs.mvWeight)
	case fs.rawWeight > 0:
		s.Average = float64(fs.rawSum) / float64(fs.rawWeight)
	}
	return s
}

// StatsSink receives statistics at a fixed cadence, independent of the
// sample rate.
type StatsSink interface {
	Report(s Stats)
}

// StatsFunc adapts a function to a StatsSink.
type StatsFunc func(s Stats)

// Report calls f.
func (f StatsFunc) Report(s Stats) {
	f(s)
}

// LogStatsSink logs each report.
type LogStatsSink struct {
	Log     zerolog.Logger
	Channel string
}

// Report implements StatsSink.
func (l LogStatsSink) Report(s Stats) {
	if s.Dropped > 0 {
		l.Log.Warn().
			Uint64("dropped", s.Dropped).
			Uint64("overflows", s.Overflows).
			Msgf("[stats] front-end dropped %d samples; reader is not keeping up", s.Dropped)
	}
	if s.Samples == 0 {
		l.Log.Info().Msgf("[stats] no new samples in the last %s. BufPos: %d", s.Interval, s.Cursor)
		return
	}
	l.Log.Info().
		Str("channel", l.Channel).
		Uint64("samples", s.Samples).
		Uint64("buf_pos", s.Cursor).
		Uint64("captures", s.Captures).
		Msgf("[stats] channel %s: avg %.0f %s, samples %d, BufPos: %d", l.Channel, s.Average, s.Unit, s.Samples, s.Cursor)
}
