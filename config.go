package ogscope

// Config loading lives here; commands only bind their flags to the
// same viper instance.
import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jbrzusto/ogscope/acquire"
	"github.com/jbrzusto/ogscope/adc"
	"github.com/jbrzusto/ogscope/filter"
	"github.com/jbrzusto/ogscope/trigger"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// ConfigName is the config file name without extension.
const ConfigName = "ogscope"

// ConfigPaths are searched in order for ogscope.toml.  /opt is the
// top level of the SD card on the target boards; the working directory
// is for convenience.
var ConfigPaths = []string{"/opt", "."}

// Config is everything read from ogscope.toml.
type Config struct {
	Channel     Channel           `mapstructure:"channel"`
	Buffer      BufferConfig      `mapstructure:"buffer"`
	Filter      filter.Shape      `mapstructure:"filter"`
	Trigger     TriggerConfig     `mapstructure:"trigger"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Source      adc.Control       `mapstructure:"source"`
	Log         LogConfig         `mapstructure:"log"`
}

// BufferConfig sizes the sample ring.
type BufferConfig struct {
	Capacity int `mapstructure:"capacity" desc:"Capacity: samples held in the ring; a power of two, at least pre+post and the filter history."`
}

// TriggerConfig holds the trigger thresholds and export window.
type TriggerConfig struct {
	Excite       int64         `mapstructure:"excite" desc:"Excite: normalized filter level that fires the trigger."`
	Relax        int64         `mapstructure:"relax" desc:"Relax: level the filter must return past before the trigger can be re-armed."`
	Slope        string        `mapstructure:"slope" desc:"Slope: \"rising\" fires at or above excite, \"falling\" at or below."`
	Pre          int           `mapstructure:"pre" desc:"Pre: samples exported from before the trigger."`
	Post         int           `mapstructure:"post" desc:"Post: samples exported from the trigger on."`
	AutoArm      bool          `mapstructure:"auto_arm" desc:"Auto Arm: re-arm after every capture; otherwise each capture needs an explicit arm."`
	PostDeadline time.Duration `mapstructure:"post_deadline" desc:"Post Deadline: give up a capture if no samples arrive for this long; 0 waits forever."`
	MaxRate      float64       `mapstructure:"max_rate" desc:"Max Rate: captures per second handed to the sink; excess captures are dropped.  0 is unlimited."`
	MaxBurst     int           `mapstructure:"max_burst" desc:"Max Burst: captures that may be handed to the sink back to back under max_rate."`
}

// StatsConfig controls statistics reporting.
type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval" desc:"Interval: time between statistics reports."`
	Stride   int           `mapstructure:"stride" desc:"Stride: every stride-th sample is calibrated for the average; a power of two."`
}

// CalibrationConfig is the code-to-millivolt line of the front-end.
type CalibrationConfig struct {
	adc.LineFit `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled" desc:"Enabled: report averages in millivolts; otherwise in raw codes."`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level      string `mapstructure:"level" desc:"Level: trace, debug, info, warn or error."`
	JSON       bool   `mapstructure:"json" desc:"JSON: write JSON lines instead of console output."`
	File       string `mapstructure:"file" desc:"File: write the log to this file, rotated by size, instead of stderr."`
	MaxSizeMB  int    `mapstructure:"max_size_mb" desc:"Max Size MB: rotate the log file when it reaches this size."`
	MaxBackups int    `mapstructure:"max_backups" desc:"Max Backups: rotated log files to keep; 0 keeps all."`
}

// ErrNoConfigFile is returned by LoadConfig when no ogscope.toml was
// found on the search path.  The returned config then holds the defaults.
var ErrNoConfigFile = errors.New("ogscope: no config file found")

// SetDefaultConfig sets sane defaults for every setting.  There is no
// guarantee that the trigger values make sense for a particular signal,
// but they fire on the pulses of the default synthetic source.
func SetDefaultConfig(v *viper.Viper) {
	ctl := adc.DefaultControl()

	v.SetDefault("channel.name", "A")
	v.SetDefault("channel.description", "WARNING: using default config because file ogscope.toml not found")
	v.SetDefault("channel.unit", "mV")

	v.SetDefault("buffer.capacity", 32768)

	v.SetDefault("filter.rate", 8)
	v.SetDefault("filter.length", 64)
	v.SetDefault("filter.gap", 32)

	v.SetDefault("trigger.excite", 256)
	v.SetDefault("trigger.relax", 64)
	v.SetDefault("trigger.slope", "rising")
	v.SetDefault("trigger.pre", 1000)
	v.SetDefault("trigger.post", 3000)
	v.SetDefault("trigger.auto_arm", true)
	v.SetDefault("trigger.post_deadline", time.Second)
	v.SetDefault("trigger.max_rate", 0.0)
	v.SetDefault("trigger.max_burst", 1)

	v.SetDefault("stats.interval", time.Second)
	v.SetDefault("stats.stride", 8)

	v.SetDefault("calibration.enabled", false)
	v.SetDefault("calibration.gain", 1)
	v.SetDefault("calibration.scale", 1)
	v.SetDefault("calibration.offset", 0)

	v.SetDefault("source.sample_rate", ctl.SampleRate)
	v.SetDefault("source.frame_size", ctl.FrameSize)
	v.SetDefault("source.pool_frames", ctl.PoolFrames)
	v.SetDefault("source.bit_width", ctl.BitWidth)
	v.SetDefault("source.baseline", ctl.Baseline)
	v.SetDefault("source.noise", ctl.Noise)
	v.SetDefault("source.pulse_every", ctl.PulseEvery)
	v.SetDefault("source.pulse_height", ctl.PulseHeight)
	v.SetDefault("source.pulse_width", ctl.PulseWidth)
	v.SetDefault("source.seed", ctl.Seed)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// EnvPrefix is prepended to environment variables that override
// settings, e.g. OGSCOPE_TRIGGER_EXCITE for trigger.excite.
const EnvPrefix = "OGSCOPE"

// LoadConfig reads configuration from a TOML-formatted file.  With an
// empty path it looks for ogscope.toml in ConfigPaths.  Settings not in
// the file keep their defaults; environment variables override both.
// If no file is found on the search path, the defaults are returned
// along with ErrNoConfigFile; an explicit path that can not be read is
// a hard error.
func LoadConfig(v *viper.Viper, path string) (Config, error) {
	SetDefaultConfig(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		for _, p := range ConfigPaths {
			v.AddConfigPath(p)
		}
	}

	var missing error
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		missing = ErrNoConfigFile
	}

	// Unmarshal the whole tree rather than each section with
	// UnmarshalKey, so that a section given only in part keeps the
	// defaults of its other keys.
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, missing
}

// Validate performs every configuration check, so that a bad file is
// rejected before the front-end is touched.
func (c Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return err
	}
	if c.Calibration.Enabled {
		if _, err := adc.NewLineFit(c.Calibration.Gain, c.Calibration.Scale, c.Calibration.Offset); err != nil {
			return err
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	if c.Trigger.MaxRate < 0 || (c.Trigger.MaxRate > 0 && c.Trigger.MaxBurst < 1) {
		return fmt.Errorf("%w: max rate %g burst %d", acquire.ErrConfig, c.Trigger.MaxRate, c.Trigger.MaxBurst)
	}
	if c.Log.File != "" && c.Log.MaxSizeMB < 1 {
		return fmt.Errorf("log max size %d MB", c.Log.MaxSizeMB)
	}
	ac, err := c.Acquisition()
	if err != nil {
		return err
	}
	return ac.Validate()
}

// Acquisition converts the settings to an acquire.Config.
func (c Config) Acquisition() (acquire.Config, error) {
	slope, err := trigger.ParseSlope(c.Trigger.Slope)
	if err != nil {
		return acquire.Config{}, err
	}
	return acquire.Config{
		Capacity: c.Buffer.Capacity,
		Shape:    c.Filter,
		Trigger: trigger.Config{
			Excite: c.Trigger.Excite,
			Relax:  c.Trigger.Relax,
			Slope:  slope,
			Pre:    c.Trigger.Pre,
			Post:   c.Trigger.Post,
			Auto:   c.Trigger.AutoArm,
		},
		Stride:        c.Stats.Stride,
		FrameSize:     c.Source.FrameSize,
		StatsInterval: c.Stats.Interval,
		PostDeadline:  c.Trigger.PostDeadline,
	}, nil
}

// Calibrator returns the configured code-to-millivolt conversion.
func (c Config) Calibrator() (adc.Calibrator, error) {
	if !c.Calibration.Enabled {
		return adc.Uncalibrated{}, nil
	}
	return adc.NewLineFit(c.Calibration.Gain, c.Calibration.Scale, c.Calibration.Offset)
}
