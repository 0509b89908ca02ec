// Package ogscope wires a front-end, the sample ring, the trigger
// filter and the capture exporter into one running scope, configured
// from ogscope.toml.
package ogscope

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dustin/go-humanize"
	"github.com/jbrzusto/ogscope/acquire"
	"github.com/jbrzusto/ogscope/adc"
	"github.com/jbrzusto/ogscope/buffer"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a logger writing to w at the configured level, as
// console output unless JSON is set.  A configured log file replaces w;
// otherwise a nil w means stderr.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	switch {
	case cfg.File != "":
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	case w == nil:
		w = os.Stderr
	}
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Scope is a configured channel ready to run.
type Scope struct {
	Config Config
	Source adc.Source
	Acq    *acquire.Acquisition

	log zerolog.Logger
}

// New validates cfg and builds a scope around src.  A nil src means the
// synthetic front-end configured in cfg.Source.  Extra options are
// passed to the acquisition after the ones derived from cfg.
func New(cfg Config, src adc.Source, log zerolog.Logger, set *metrics.Set, opts ...acquire.Option) (*Scope, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ac, err := cfg.Acquisition()
	if err != nil {
		return nil, err
	}
	cal, err := cfg.Calibrator()
	if err != nil {
		return nil, err
	}
	if src == nil {
		syn, err := adc.NewSynthetic(cfg.Source)
		if err != nil {
			return nil, err
		}
		src = syn
	}

	log = log.With().Str("channel", cfg.Channel.Name).Logger()
	base := []acquire.Option{
		acquire.WithLogger(log),
		acquire.WithCalibrator(cal),
		acquire.WithUnit(cfg.Channel.Unit),
		acquire.WithMetrics(set),
		acquire.WithStatsSink(acquire.LogStatsSink{Log: log, Channel: cfg.Channel.Name}),
		acquire.WithMaxRate(cfg.Trigger.MaxRate, cfg.Trigger.MaxBurst),
	}
	acq, err := acquire.New(ac, src, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Scope{Config: cfg, Source: src, Acq: acq, log: log}, nil
}

// Run logs the setup and acquires until ctx is cancelled.
func (s *Scope) Run(ctx context.Context) error {
	c := s.Config
	ringBytes := uint64(c.Buffer.Capacity) * uint64(buffer.SampleSize)
	span := time.Duration(float64(c.Buffer.Capacity) / c.Source.SampleRate * float64(time.Second))
	s.log.Info().
		Str("description", c.Channel.Description).
		Str("rate", humanize.SIWithDigits(c.Source.SampleRate, 3, "S/s")).
		Str("ring", humanize.IBytes(ringBytes)).
		Dur("ring_span", span).
		Str("window", humanize.Comma(int64(c.Trigger.Pre))+" pre + "+humanize.Comma(int64(c.Trigger.Post))+" post").
		Msg("[ogscope] channel configured")
	return s.Acq.Run(ctx)
}
