package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zylisp/nrepl/config"
	"github.com/zylisp/nrepl/internal/version"
	"github.com/zylisp/nrepl/transport"
)

var configPath string
var debug bool
var addr string
var dialect string
var build string
var namespace string
var timeout time.Duration

var rootCmd = &cobra.Command{
	Use:   "nreplc",
	Short: "Client for nREPL and socket REPL servers",
	Long: `nreplc connects to a running REPL, evaluates code and prints the results.

The address is host:port, a unix socket path, or "auto" to read the port
from .nrepl-port, .shadow-cljs/nrepl.port or .repl-port in the current directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("nreplc %s\n", version.String()))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Settings file (default $"+config.EnvConfig+")")
	flags.BoolVar(&debug, "debug", false, "Log wire traffic to stderr")
	flags.StringVarP(&addr, "addr", "a", transport.Auto, "REPL address: host:port, socket path or auto")
	flags.StringVarP(&dialect, "dialect", "d", "raw", "Wire dialect (raw, enhanced, upgrade, textline)")
	flags.StringVar(&build, "build", "", "Nested REPL for the upgrade dialect (node-repl, browser-repl or a build id)")
	flags.StringVarP(&namespace, "ns", "n", "", "Namespace to evaluate in")
	flags.DurationVar(&timeout, "timeout", 0, "Give up waiting for results after this long (0 = wait forever)")
}

// loadSettings reads the settings file and builds the stderr logger.
func loadSettings(stderr io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, newLogger(stderr, cfg.Debug), nil
}

func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		}
		os.Exit(1)
	}
}
