// Acquire samples from a front-end and export triggered captures.
//
// An Acquisition owns everything the sampling path shares: the ring,
// the filter, the trigger state machine, the published cursor and the
// statistics accumulators.  Run drives two goroutines:
//
//   - the producer waits for the front-end's notification, drains its
//     frames through the Ingestor, and when a capture window is
//     complete stops the front-end, exports the window, hands it to the
//     Sink and restarts the front-end;
//
//   - the reporter wakes at a fixed interval, takes and clears the
//     statistics, and hands them to the StatsSink.
//
// Exports run on the producer goroutine with the front-end stopped, so
// the ring is never written while it is being copied.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jbrzusto/ogscope/adc"
	"github.com/jbrzusto/ogscope/buffer"
	"github.com/jbrzusto/ogscope/filter"
	"github.com/jbrzusto/ogscope/trigger"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrConfig is returned for acquisition settings that can not be used.
var ErrConfig = errors.New("acquire: invalid configuration")

// Config holds the settings of an Acquisition.
type Config struct {
	Capacity      int            // ring size in samples; a power of two
	Shape         filter.Shape   // trigger filter shape
	Trigger       trigger.Config // thresholds and export window
	Stride        int            // calibrate every Stride-th sample; a power of two
	FrameSize     int            // samples read from the front-end at a time
	StatsInterval time.Duration  // statistics cadence
	PostDeadline  time.Duration  // give up a capture after this long without samples; 0 waits forever
}

// Validate checks the settings without allocating anything.
func (c Config) Validate() error {
	if c.Capacity <= 0 || c.Capacity&(c.Capacity-1) != 0 {
		return fmt.Errorf("%w: %d", buffer.ErrCapacity, c.Capacity)
	}
	if err := c.Shape.Validate(c.Capacity); err != nil {
		return err
	}
	if err := c.Trigger.Validate(c.Capacity); err != nil {
		return err
	}
	if c.Stride <= 0 || c.Stride&(c.Stride-1) != 0 {
		return fmt.Errorf("%w: stride %d must be a power of two", ErrConfig, c.Stride)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("%w: frame size %d", ErrConfig, c.FrameSize)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("%w: stats interval %s", ErrConfig, c.StatsInterval)
	}
	if c.PostDeadline < 0 {
		return fmt.Errorf("%w: post deadline %s", ErrConfig, c.PostDeadline)
	}
	return nil
}

// Acquisition is one sampling channel with its history and trigger.
type Acquisition struct {
	cfg    Config
	log    zerolog.Logger
	src    adc.Source
	cal    adc.Calibrator
	sink   Sink
	stats  StatsSink
	meter  *meter
	ring   *buffer.Ring
	filt   *filter.Trapezoid
	trig   *trigger.Controller
	ingest *Ingestor
	export *Exporter
	pub    *shared

	maxRate  float64 // captures per second reaching the sink; 0 is unlimited
	maxBurst int
	unit     string // label for calibrated averages

	frame   []buffer.Sample // read buffer
	pending []buffer.Sample // unconsumed tail of frame

	captures atomic.Uint64
}

// Option configures optional behaviour of an Acquisition.
type Option func(*Acquisition)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Acquisition) {
		a.log = l
	}
}

// WithCalibrator sets the code-to-millivolt conversion used for
// statistics; the default is adc.Uncalibrated.
func WithCalibrator(c adc.Calibrator) Option {
	return func(a *Acquisition) {
		if c != nil {
			a.cal = c
		}
	}
}

// WithSink sets where captures go; the default is a LogSink.
func WithSink(s Sink) Option {
	return func(a *Acquisition) {
		if s != nil {
			a.sink = s
		}
	}
}

// WithStatsSink sets where statistics go; the default is a LogStatsSink.
func WithStatsSink(s StatsSink) Option {
	return func(a *Acquisition) {
		if s != nil {
			a.stats = s
		}
	}
}

// WithUnit labels calibrated averages in statistics; the default is
// UnitMillivolts.  The calibrator decides the scale.
func WithUnit(unit string) Option {
	return func(a *Acquisition) {
		if unit != "" {
			a.unit = unit
		}
	}
}

// WithMaxRate limits the captures handed to the sink to perSecond, in
// bursts of at most burst.  See Throttle.
func WithMaxRate(perSecond float64, burst int) Option {
	return func(a *Acquisition) {
		a.maxRate, a.maxBurst = perSecond, burst
	}
}

// WithMetrics records metrics into set instead of a private one.
func WithMetrics(set *metrics.Set) Option {
	return func(a *Acquisition) {
		a.meter = newMeter(set)
	}
}

// New allocates the ring and builds the sampling path for src.
func New(cfg Config, src adc.Source, opts ...Option) (*Acquisition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: no source", ErrConfig)
	}
	ring, err := buffer.NewRing(cfg.Capacity)
	if err != nil {
		return nil, err
	}
	filt, err := filter.New(cfg.Shape, ring)
	if err != nil {
		return nil, err
	}
	trig, err := trigger.New(cfg.Trigger, cfg.Capacity)
	if err != nil {
		return nil, err
	}

	a := &Acquisition{
		cfg:   cfg,
		log:   zerolog.Nop(),
		src:   src,
		cal:   adc.Uncalibrated{},
		ring:  ring,
		filt:  filt,
		trig:  trig,
		pub:   &shared{},
		unit:  UnitMillivolts,
		frame: make([]buffer.Sample, cfg.FrameSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.meter == nil {
		a.meter = newMeter(nil)
	}
	if a.sink == nil {
		a.sink = LogSink{Log: a.log, Head: 10}
	}
	if a.maxRate > 0 {
		a.sink = Throttle(a.sink, a.maxRate, a.maxBurst)
	}
	if a.stats == nil {
		a.stats = LogStatsSink{Log: a.log}
	}
	a.ingest = &Ingestor{
		ring:   ring,
		filt:   filt,
		trig:   trig,
		cal:    a.cal,
		pub:    a.pub,
		stride: int64(cfg.Stride),
		mask:   uint64(cfg.Stride - 1),
	}
	a.export = &Exporter{ring: ring, pub: a.pub}
	return a, nil
}

// Metrics is the set the acquisition records into.
func (a *Acquisition) Metrics() *metrics.Set {
	return a.meter.set
}

// Arm requests one capture when auto-arming is off.  Safe to call
// from any goroutine.
func (a *Acquisition) Arm() {
	a.trig.Arm()
}

// Cursor is the published ring write position.
func (a *Acquisition) Cursor() uint64 {
	return a.pub.Cursor()
}

// Captures is the number of captures exported so far.
func (a *Acquisition) Captures() uint64 {
	return a.captures.Load()
}

// Run starts the front-end and acquires until ctx is cancelled or the
// front-end can not be restarted after an export.  Cancellation is not
// an error.
func (a *Acquisition) Run(ctx context.Context) error {
	a.log.Info().
		Int("capacity", a.cfg.Capacity).
		Int("rate", a.cfg.Shape.Rate).
		Int("length", a.cfg.Shape.Length).
		Int("gap", a.cfg.Shape.Gap).
		Int("pre", a.cfg.Trigger.Pre).
		Int("post", a.cfg.Trigger.Post).
		Msg("[acquire] starting")

	if err := a.src.Start(); err != nil {
		return fmt.Errorf("start source: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.produce(gctx)
	})
	g.Go(func() error {
		a.report(gctx)
		return nil
	})
	err := g.Wait()

	if serr := a.src.Stop(); serr != nil && err == nil {
		err = fmt.Errorf("stop source: %w", serr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	a.log.Info().Uint64("captures", a.Captures()).Msg("[acquire] stopped")
	return err
}

// produce is the producer loop.  Its only blocking wait is for the
// front-end's notification.
func (a *Acquisition) produce(ctx context.Context) error {
	ready := a.src.Notifier().Ready()
	for {
		// A capture waiting for post-trigger samples must not wait
		// forever if the front-end stops delivering.
		var expired <-chan time.Time
		var timer *time.Timer
		if a.trig.State() == trigger.PostCapture && a.cfg.PostDeadline > 0 {
			timer = time.NewTimer(a.cfg.PostDeadline)
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-expired:
			a.abandon()
			continue
		case <-ready:
		}
		if timer != nil {
			timer.Stop()
		}

		if err := a.drain(ctx); err != nil {
			return err
		}
	}
}

// drain ingests frames until the front-end has nothing more.
func (a *Acquisition) drain(ctx context.Context) error {
	for {
		if len(a.pending) == 0 {
			n, err := a.src.Read(a.frame)
			if errors.Is(err, adc.ErrNoData) {
				return nil
			}
			if err != nil {
				a.meter.readErrors.Inc()
				a.log.Error().Err(err).Msg("[acquire] front-end read failed")
				return nil
			}
			a.pending = a.frame[:n]
		}

		n, due := a.ingest.Ingest(a.pending)
		a.pending = a.pending[n:]
		if due {
			if err := a.capture(ctx); err != nil {
				return err
			}
		}
	}
}

// capture pauses the front-end, exports the completed window, hands it
// to the sink and resumes the front-end.
func (a *Acquisition) capture(ctx context.Context) error {
	if err := a.src.Stop(); err != nil {
		return fmt.Errorf("pause source: %w", err)
	}

	sess := a.trig.Session()
	start := time.Now()
	c, err := a.export.ExportAt(sess.TrigPos, sess.Pre, sess.Post)
	a.meter.exportDur.UpdateDuration(start)
	if err != nil {
		a.meter.exportErrors.Inc()
		a.log.Error().Err(err).Uint64("trig_pos", sess.TrigPos).Msg("[acquire] export failed")
	} else {
		c.TrigTime = sess.TrigTime
		c.Level = sess.Level
		a.captures.Add(1)
		a.meter.captures.Inc()
		switch err := a.sink.Deliver(ctx, c); {
		case err == nil:
		case errors.Is(err, ErrThrottled):
			a.meter.throttled.Inc()
			a.log.Debug().Str("id", c.ID.String()).Msg("[acquire] capture dropped by rate limit")
		default:
			a.meter.sinkErrors.Inc()
			a.log.Error().Err(err).Str("id", c.ID.String()).Msg("[acquire] capture sink failed")
		}
	}

	if err := a.trig.Done(); err != nil {
		return err
	}
	if err := a.src.Start(); err != nil {
		return fmt.Errorf("resume source: %w", err)
	}
	return nil
}

func (a *Acquisition) abandon() {
	sess := a.trig.Session()
	if err := a.trig.Abandon(); err != nil {
		return
	}
	a.meter.abandoned.Inc()
	a.log.Warn().
		Uint64("trig_pos", sess.TrigPos).
		Int("remaining", sess.Remaining).
		Dur("deadline", a.cfg.PostDeadline).
		Msg("[acquire] no samples before post-trigger deadline; capture abandoned")
}

// report is the statistics loop.
func (a *Acquisition) report(ctx context.Context) {
	t := time.NewTicker(a.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.stats.Report(a.snapshot())
		}
	}
}

// snapshot takes and clears the statistics for one interval.
func (a *Acquisition) snapshot() Stats {
	cursor, fs := a.pub.take()
	s := makeStats(cursor, fs, a.unit)
	s.Dropped = a.src.Notifier().TakeDropped()
	s.Overflows = a.src.Notifier().Overflows()
	s.Captures = a.Captures()
	s.Interval = a.cfg.StatsInterval
	a.meter.observe(s)
	return s
}
