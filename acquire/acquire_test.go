package acquire

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jbrzusto/ogscope/adc"
	"github.com/jbrzusto/ogscope/buffer"
	"github.com/jbrzusto/ogscope/filter"
	"github.com/jbrzusto/ogscope/trigger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Capacity: 64,
		Shape:    filter.Shape{Rate: 1, Length: 2, Gap: 1},
		Trigger: trigger.Config{
			Excite: 200,
			Relax:  100,
			Pre:    4,
			Post:   4,
			Auto:   true,
		},
		Stride:        1,
		FrameSize:     16,
		StatsInterval: time.Hour,
	}
}

// pulse returns 20 zeros, 20 samples at 1000 and 24 zeros.  With the
// test shape the trigger fires on the first high sample.
func pulse() []buffer.Sample {
	s := make([]buffer.Sample, 64)
	for i := 20; i < 40; i++ {
		s[i] = 1000
	}
	return s
}

func frames(s []buffer.Sample, size int) [][]buffer.Sample {
	var out [][]buffer.Sample
	for len(s) > 0 {
		n := size
		if n > len(s) {
			n = len(s)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	c := testConfig()
	c.Capacity = 48
	assert.ErrorIs(t, c.Validate(), buffer.ErrCapacity)

	c = testConfig()
	c.Stride = 3
	assert.ErrorIs(t, c.Validate(), ErrConfig)

	c = testConfig()
	c.Shape.Length = 40
	assert.ErrorIs(t, c.Validate(), filter.ErrShape)

	c = testConfig()
	c.Trigger.Pre = 61
	assert.ErrorIs(t, c.Validate(), trigger.ErrWindow)

	c = testConfig()
	c.StatsInterval = 0
	assert.ErrorIs(t, c.Validate(), ErrConfig)

	_, err := New(testConfig(), nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestIngestStopsAtExport(t *testing.T) {
	a, err := New(testConfig(), adc.NewReplay())
	require.NoError(t, err)

	n, due := a.ingest.Ingest(pulse())
	require.True(t, due)
	assert.Equal(t, 25, n)
	assert.Equal(t, uint64(25), a.Cursor())
	assert.Equal(t, trigger.Exporting, a.trig.State())

	sess := a.trig.Session()
	assert.Equal(t, uint64(21), sess.TrigPos)
	assert.Equal(t, int64(250), sess.Level)

	c, err := a.export.Export(sess.Pre, sess.Post)
	require.NoError(t, err)
	assert.Equal(t, []buffer.Sample{0, 0, 0, 1000, 1000, 1000, 1000, 1000}, c.Samples)
	require.NoError(t, a.trig.Done())

	n, due = a.ingest.Ingest(pulse()[25:])
	assert.False(t, due)
	assert.Equal(t, 39, n)
	assert.Equal(t, uint64(64), a.Cursor())
}

func TestStatsWeighting(t *testing.T) {
	cfg := testConfig()
	cfg.Stride = 2
	in := []buffer.Sample{1, 2, 3, 4, 5, 6, 7, 8}

	lf, err := adc.NewLineFit(2, 1, 0)
	require.NoError(t, err)
	a, err := New(cfg, adc.NewReplay(), WithCalibrator(lf))
	require.NoError(t, err)
	a.ingest.Ingest(in)
	s := a.snapshot()
	assert.Equal(t, uint64(8), s.Samples)
	assert.Equal(t, UnitMillivolts, s.Unit)
	// every second sample (2, 4, 6, 8) at 2 mV per code
	assert.InDelta(t, 10.0, s.Average, 1e-9)
	assert.Equal(t, uint64(8), s.Cursor)

	empty := a.snapshot()
	assert.Equal(t, uint64(0), empty.Samples)
	assert.Equal(t, uint64(8), empty.Cursor)

	a, err = New(cfg, adc.NewReplay(), WithCalibrator(lf), WithUnit("V"))
	require.NoError(t, err)
	a.ingest.Ingest(in)
	assert.Equal(t, "V", a.snapshot().Unit)

	a, err = New(cfg, adc.NewReplay())
	require.NoError(t, err)
	a.ingest.Ingest(in)
	s = a.snapshot()
	assert.Equal(t, UnitRaw, s.Unit)
	assert.InDelta(t, 5.0, s.Average, 1e-9)
}

func TestRunDeliversCapture(t *testing.T) {
	src := adc.NewReplay(frames(pulse(), 16)...)
	got := make(chan *buffer.Capture, 4)
	var reports []Stats
	set := metrics.NewSet()

	a, err := New(testConfig(), src,
		WithMetrics(set),
		WithSink(SinkFunc(func(_ context.Context, c *buffer.Capture) error {
			got <- c
			return nil
		})),
		WithStatsSink(StatsFunc(func(s Stats) {
			reports = append(reports, s)
		})))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	var c *buffer.Capture
	select {
	case c = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no capture delivered")
	}
	assert.Equal(t, []buffer.Sample{0, 0, 0, 1000, 1000, 1000, 1000, 1000}, c.Samples)
	assert.Equal(t, uint64(21), c.TrigPos)
	assert.Equal(t, int64(250), c.Level)
	assert.False(t, c.TrigTime.IsZero())
	assert.True(t, c.Verify())

	// the rest of the interrupted frame is not lost
	require.Eventually(t, func() bool {
		return a.Cursor() == 64
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, src.Pending())

	cancel()
	require.NoError(t, <-done)

	starts, stops := src.Cycles()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, stops)
	assert.Equal(t, uint64(1), a.Captures())
	assert.Empty(t, reports)
	assert.Len(t, got, 0)

	var buf bytes.Buffer
	a.Metrics().WritePrometheus(&buf)
	assert.Contains(t, buf.String(), CapturesMetricName+" 1")
}

func TestRunAbandonsStalledCapture(t *testing.T) {
	cfg := testConfig()
	cfg.PostDeadline = 20 * time.Millisecond
	src := adc.NewReplay(pulse()[:22])
	delivered := 0
	a, err := New(cfg, src, WithSink(SinkFunc(func(context.Context, *buffer.Capture) error {
		delivered++
		return nil
	})))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return a.meter.abandoned.Get() == 1
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, uint64(0), a.Captures())
}

func TestRunSinkErrorIsCounted(t *testing.T) {
	src := adc.NewReplay(pulse())
	a, err := New(testConfig(), src, WithSink(SinkFunc(func(context.Context, *buffer.Capture) error {
		return errors.New("link down")
	})))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return a.Cursor() == 64
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(1), a.meter.sinkErrors.Get())
	assert.Equal(t, uint64(1), a.Captures())
}

func TestRunReportsStats(t *testing.T) {
	cfg := testConfig()
	cfg.StatsInterval = 5 * time.Millisecond
	src := adc.NewReplay(frames(make([]buffer.Sample, 40), 8)...)
	reports := make(chan Stats, 64)
	a, err := New(cfg, src, WithStatsSink(StatsFunc(func(s Stats) {
		reports <- s
	})))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	var total uint64
	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-reports:
				total += s.Samples
			default:
				return total == 40
			}
		}
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestLogSinks(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	c := buffer.NewCapture([]buffer.Sample{7, 8, 9, 10}, 2, 2)
	require.NoError(t, LogSink{Log: log, Head: 3}.Deliver(context.Background(), c))
	out := buf.String()
	assert.Contains(t, out, "[capture] captured 2 pre-trigger + 2 post-trigger samples")
	assert.Contains(t, out, "sample[2]: 9")
	assert.NotContains(t, out, "sample[3]")

	buf.Reset()
	LogStatsSink{Log: log, Channel: "A"}.Report(Stats{Interval: time.Second, Cursor: 12, Dropped: 3, Overflows: 2})
	out = buf.String()
	assert.Contains(t, out, "dropped 3 samples")
	assert.Contains(t, out, `"overflows":2`)
	assert.Contains(t, out, "no new samples in the last 1s. BufPos: 12")

	buf.Reset()
	LogStatsSink{Log: log, Channel: "A"}.Report(Stats{Samples: 10, Average: 512, Unit: UnitRaw, Cursor: 99})
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "channel A: avg 512 raw, samples 10, BufPos: 99")
}

func TestThrottle(t *testing.T) {
	n := 0
	s := Throttle(SinkFunc(func(context.Context, *buffer.Capture) error {
		n++
		return nil
	}), 0.001, 2)
	c := buffer.NewCapture([]buffer.Sample{1}, 0, 1)
	require.NoError(t, s.Deliver(context.Background(), c))
	require.NoError(t, s.Deliver(context.Background(), c))
	assert.ErrorIs(t, s.Deliver(context.Background(), c), ErrThrottled)
	assert.Equal(t, 2, n)
}

func TestRunThrottledCaptureIsCounted(t *testing.T) {
	// two pulses; only the first capture gets through
	sig := append(pulse(), pulse()...)
	cfg := testConfig()
	cfg.Capacity = 128
	src := adc.NewReplay(frames(sig, 16)...)
	delivered := make(chan *buffer.Capture, 2)
	a, err := New(cfg, src,
		WithMaxRate(0.001, 1),
		WithSink(SinkFunc(func(_ context.Context, c *buffer.Capture) error {
			delivered <- c
			return nil
		})))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return a.Cursor() == 128
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, delivered, 1)
	assert.Equal(t, uint64(1), a.meter.throttled.Get())
	assert.Equal(t, uint64(2), a.Captures())
}

func TestSnapshotReportsOverflow(t *testing.T) {
	src := adc.NewReplay()
	a, err := New(testConfig(), src)
	require.NoError(t, err)

	src.Notifier().Overflow(100)
	s := a.snapshot()
	assert.Equal(t, uint64(100), s.Dropped)
	assert.Equal(t, uint64(1), s.Overflows)

	var buf bytes.Buffer
	a.Metrics().WritePrometheus(&buf)
	assert.Contains(t, buf.String(), DroppedMetricName+" 100")
	assert.Contains(t, buf.String(), OverflowsMetricName+" 1")

	// dropped samples are per interval, overflow events are cumulative
	src.Notifier().Overflow(5)
	s = a.snapshot()
	assert.Equal(t, uint64(5), s.Dropped)
	assert.Equal(t, uint64(2), s.Overflows)
	buf.Reset()
	a.Metrics().WritePrometheus(&buf)
	assert.Contains(t, buf.String(), DroppedMetricName+" 105")
	assert.Contains(t, buf.String(), OverflowsMetricName+" 2")
}

// flakySource fails its first Read and then behaves like the Replay it
// wraps.
type flakySource struct {
	*adc.Replay
	failed atomic.Bool
}

func (f *flakySource) Read(dst []buffer.Sample) (int, error) {
	if f.failed.CompareAndSwap(false, true) {
		return 0, errors.New("dma fault")
	}
	return f.Replay.Read(dst)
}

func TestRunReadErrorIsCounted(t *testing.T) {
	src := &flakySource{Replay: adc.NewReplay(make([]buffer.Sample, 16))}
	a, err := New(testConfig(), src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return a.meter.readErrors.Get() == 1
	}, 5*time.Second, time.Millisecond)

	// the producer keeps going: the next notification drains both frames
	src.Push(make([]buffer.Sample, 16))
	require.Eventually(t, func() bool {
		return a.Cursor() == 32
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), a.meter.readErrors.Get())

	var buf bytes.Buffer
	a.Metrics().WritePrometheus(&buf)
	assert.Contains(t, buf.String(), ReadErrorsMetricName+" 1")
}
