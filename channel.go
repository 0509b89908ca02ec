package ogscope

// Channel describes the signal being digitized.
type Channel struct {
	Name        string `mapstructure:"name" desc:"Name: short channel name used in logs and metrics."`
	Description string `mapstructure:"description" desc:"Description: what is connected to the channel; for display only."`
	Unit        string `mapstructure:"unit" desc:"Unit: label for averages when calibration is enabled; the calibration line sets the scale."`
}
