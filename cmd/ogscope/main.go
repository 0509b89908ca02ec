// Command ogscope samples a channel continuously and exports a window
// of samples around each trigger.
//
// Usage:
//
//	ogscope [--config FILE] [--env-file FILE] [--log-level LEVEL] [--metrics-addr ADDR] [--manual-arm]
//
// Settings are read from ogscope.toml (see cmd/showcfg for the list).
// OGSCOPE_* environment variables, also read from an optional .env
// file, override the file, and flags override both.  Metrics are
// served in Prometheus text format on /metrics, and a manual trigger
// can be armed by POSTing to /arm.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/jbrzusto/ogscope"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ogscope",
		Short:         "Capture pre/post-trigger sample windows from a continuously sampled channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			envFile, _ := cmd.Flags().GetString("env-file")
			if err := loadEnv(envFile); err != nil {
				return err
			}
			return run(cmd.Context(), v, path)
		},
	}
	flags := cmd.Flags()
	flags.String("config", "", "config file (default: ogscope.toml in /opt or the working directory)")
	flags.String("env-file", ".env", "file of OGSCOPE_* environment settings, loaded if present")
	flags.String("log-level", "info", "log level: trace, debug, info, warn or error")
	flags.Bool("log-json", false, "write JSON log lines")
	flags.String("metrics-addr", ":9464", "address for /metrics and /arm; empty disables the HTTP server")
	flags.Bool("manual-arm", false, "do not re-arm after each capture; arm with POST /arm")

	bindFlags(v, flags)
	return cmd
}

// bindFlags makes flags override the matching config file keys.  A
// flag that is not given leaves the file value in place.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for key, name := range map[string]string{
		"log.level":      "log-level",
		"log.json":       "log-json",
		"http.addr":      "metrics-addr",
		"trigger.manual": "manual-arm",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// loadEnv sets variables from path that are not already in the
// environment.  A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("env file: %w", err)
	}
	return nil
}

func run(ctx context.Context, v *viper.Viper, path string) error {
	cfg, err := ogscope.LoadConfig(v, path)
	missing := errors.Is(err, ogscope.ErrNoConfigFile)
	if err != nil && !missing {
		return err
	}
	if v.GetBool("trigger.manual") {
		cfg.Trigger.AutoArm = false
	}

	logger, err := ogscope.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = logger
	if missing {
		log.Warn().Strs("paths", ogscope.ConfigPaths).Msg("[config] ogscope.toml not found; using defaults")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("[config] loaded")
	}

	set := metrics.NewSet()
	scope, err := ogscope.New(cfg, nil, logger, set)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := v.GetString("http.addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: newRouter(scope, set), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", addr).Msg("[http] serving /metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("[http] server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	err = scope.Run(ctx)
	log.Info().Msg("[ogscope] exiting")
	return err
}

func newRouter(scope *ogscope.Scope, set *metrics.Set) http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "ok %d\n", scope.Acq.Cursor())
	})
	r.Post("/arm", func(w http.ResponseWriter, _ *http.Request) {
		scope.Acq.Arm()
		w.WriteHeader(http.StatusAccepted)
	})
	return r
}
