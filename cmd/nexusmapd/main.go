// Command nexusmapd is the vault<->hosted-document-store sync daemon. It
// reads newline-delimited JSON commands from stdin and writes one JSON
// response per line to stdout (SPEC_FULL.md §4.13); the desktop shell that
// owns the vault spawns one daemon process per session.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/heysami/nexusmap-sync/internal/engineconfig"
	"github.com/heysami/nexusmap-sync/internal/rpc"
)

// version is set at build time via ldflags.
var version = "dev"

var flagConfigPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}

// newRootCmd builds the single-command daemon's root command. Unlike the
// teacher's multi-subcommand CLI, nexusmapd has one job — serve the RPC
// loop — so Cobra here only earns its keep for --version and flag parsing,
// not subcommand routing.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nexusmapd",
		Short:         "NexusMap vault sync daemon",
		Long:          "Bidirectional sync daemon between a local vault and the hosted document store, driven over stdio by newline-delimited JSON commands.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runServe,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (defaults to the platform's nexusmap config.toml)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("nexusmapd: %w", err)
	}

	logger := buildLogger(cfg)

	logger.Info("nexusmapd starting", slog.String("version", version))

	d := rpc.NewDispatcher(logger, cfg)

	if err := d.Serve(cmd.Context(), os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("nexusmapd: %w", err)
	}

	return nil
}

// loadConfig resolves --config, falling back to the platform default path,
// falling back in turn to engineconfig.Default() when no path can be
// resolved at all (e.g. $HOME unset).
func loadConfig() (*engineconfig.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = engineconfig.DefaultConfigPath()
	}

	if path == "" {
		return engineconfig.Default(), nil
	}

	cfg, err := engineconfig.Load(path)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// buildLogger builds the daemon's logger from the resolved config. "auto"
// format picks text when stderr is a terminal (mattn/go-isatty) and JSON
// otherwise, since the desktop shell that spawns nexusmapd captures stderr
// as a log stream rather than a human terminal.
func buildLogger(cfg *engineconfig.Config) *slog.Logger {
	level := parseLevel(cfg.Log.Level)

	format := cfg.Log.Format
	if format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
