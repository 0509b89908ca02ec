package acquire

import (
	"github.com/VictoriaMetrics/metrics"
)

const (
	SamplesMetricName        = "ogscope_samples_total"
	DroppedMetricName        = "ogscope_dropped_samples_total"
	OverflowsMetricName      = "ogscope_overflows_total"
	CapturesMetricName       = "ogscope_captures_total"
	AbandonedMetricName      = "ogscope_captures_abandoned_total"
	ThrottledMetricName      = "ogscope_captures_throttled_total"
	SinkErrorsMetricName     = "ogscope_sink_errors_total"
	ReadErrorsMetricName     = "ogscope_read_errors_total"
	ExportErrorsMetricName   = "ogscope_export_errors_total"
	WritePositionMetricName  = "ogscope_write_position"
	AverageValueMetricName   = "ogscope_average_value"
	ExportDurationMetricName = "ogscope_export_duration_seconds"
)

// meter records acquisition metrics in its own set, so that several
// acquisitions (and tests) do not collide in the global registry.
type meter struct {
	set *metrics.Set

	samples      *metrics.Counter
	dropped      *metrics.Counter
	overflows    *metrics.Counter
	captures     *metrics.Counter
	abandoned    *metrics.Counter
	throttled    *metrics.Counter
	sinkErrors   *metrics.Counter
	readErrors   *metrics.Counter
	exportErrors *metrics.Counter
	writePos     *metrics.Gauge
	average      *metrics.Gauge
	exportDur    *metrics.Histogram
}

func newMeter(set *metrics.Set) *meter {
	if set == nil {
		set = metrics.NewSet()
	}
	return &meter{
		set:          set,
		samples:      set.GetOrCreateCounter(SamplesMetricName),
		dropped:      set.GetOrCreateCounter(DroppedMetricName),
		overflows:    set.GetOrCreateCounter(OverflowsMetricName),
		captures:     set.GetOrCreateCounter(CapturesMetricName),
		abandoned:    set.GetOrCreateCounter(AbandonedMetricName),
		throttled:    set.GetOrCreateCounter(ThrottledMetricName),
		sinkErrors:   set.GetOrCreateCounter(SinkErrorsMetricName),
		readErrors:   set.GetOrCreateCounter(ReadErrorsMetricName),
		exportErrors: set.GetOrCreateCounter(ExportErrorsMetricName),
		writePos:     set.GetOrCreateGauge(WritePositionMetricName, nil),
		average:      set.GetOrCreateGauge(AverageValueMetricName, nil),
		exportDur:    set.GetOrCreateHistogram(ExportDurationMetricName),
	}
}

// observe folds one statistics report into the metrics.
func (m *meter) observe(s Stats) {
	m.samples.Add(int(s.Samples))
	m.dropped.Add(int(s.Dropped))
	m.overflows.Set(s.Overflows)
	m.writePos.Set(float64(s.Cursor))
	if s.Samples > 0 {
		m.average.Set(s.Average)
	}
}
