// Package cmd implements smartproxy's command-line entry point.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"smartproxy/internal/config"
	"smartproxy/internal/supervisor"
)

var (
	version = "dev"
	cfgPath string
	showVer bool
)

// Exit codes per the external interface contract: 0 clean shutdown, 1
// configuration or listener bind failure, 2 unrecoverable runtime error.
const (
	exitOK            = 0
	exitConfigOrBind  = 1
	exitRuntimeFailed = 2
)

var rootCmd = &cobra.Command{
	Use:   "smartproxy",
	Short: "Transparent TCP proxy that powers a backend on demand via IPMI",
	Long: `smartproxy holds client connections while an IPMI-managed backend is
powered off, issues a power-on, and releases the held connections once the
backend becomes reachable. After a configurable idle period with no traffic,
it issues a graceful power-off and returns to holding new connections.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(c *cobra.Command, args []string) error {
		if showVer {
			fmt.Println("smartproxy " + version)
			return nil
		}
		return run(c.Context())
	},
}

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the JSON config file (required)")
	rootCmd.Flags().BoolVar(&showVer, "version", false, "print version and exit")
}

// Execute runs the root command and returns the process exit code; it
// never calls os.Exit itself, so callers (and tests) can observe the code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("smartproxy: fatal error")
		if ce, ok := err.(*configOrBindError); ok {
			_ = ce
			return exitConfigOrBind
		}
		return exitRuntimeFailed
	}
	return exitOK
}

// configOrBindError marks an error as belonging to exit code 1 (bad
// config or failed listener bind) rather than the general exit code 2.
type configOrBindError struct{ err error }

func (e *configOrBindError) Error() string { return e.err.Error() }
func (e *configOrBindError) Unwrap() error { return e.err }

func run(parentCtx context.Context) error {
	if cfgPath == "" {
		return &configOrBindError{fmt.Errorf("--config is required")}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &configOrBindError{err}
	}

	applyLogConfig(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(cfg)
	if err := sup.Run(ctx); err != nil {
		if isBindError(err) {
			return &configOrBindError{err}
		}
		return err
	}
	return nil
}

func applyLogConfig(level, format string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func isBindError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "failed to bind listener ports") ||
		strings.Contains(msg, "bind: address already in use")
}
