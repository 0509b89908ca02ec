// Command showcfg lists every ogscope setting with its current value
// and description.
//
// Usage:
//
//	showcfg [--config FILE] [--toml]
//
// With --toml the settings are printed as a commented ogscope.toml
// that can be edited and used as the config file.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jbrzusto/ogscope"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		path   string
		asTOML bool
	)
	cmd := &cobra.Command{
		Use:           "showcfg",
		Short:         "Show ogscope settings, their values and descriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ogscope.LoadConfig(viper.New(), path)
			if err != nil && !errors.Is(err, ogscope.ErrNoConfigFile) {
				return err
			}
			settings := ogscope.Settings(&cfg)
			if asTOML {
				return writeTOML(cmd.OutOrStdout(), settings)
			}
			for _, s := range settings {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			if verr := cfg.Validate(); verr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nINVALID: %v\n", verr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "config file (default: ogscope.toml in /opt or the working directory)")
	cmd.Flags().BoolVar(&asTOML, "toml", false, "print as a commented TOML file")
	return cmd
}

// writeTOML prints the settings grouped into [section] tables.
func writeTOML(w io.Writer, settings []ogscope.Setting) error {
	section := ""
	for _, s := range settings {
		sec, key := splitKey(s.Key)
		if sec != section {
			if section != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "[%s]\n", sec)
			section = sec
		}
		if s.Desc != "" {
			fmt.Fprintf(w, "# %s\n", s.Desc)
		}
		if _, err := fmt.Fprintf(w, "%s = %s\n", key, tomlValue(s.Value)); err != nil {
			return err
		}
	}
	return nil
}

func splitKey(k string) (section, key string) {
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		return k[:i], k[i+1:]
	}
	return "", k
}

func tomlValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		// durations
		return fmt.Sprintf("%q", x.String())
	}
	return fmt.Sprint(v)
}
