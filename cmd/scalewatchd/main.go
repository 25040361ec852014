package main

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"scalewatch/config"
	"scalewatch/daemon"
	"scalewatch/internal/logging"
	"scalewatch/internal/monitor"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var logFormat string
	var debug bool

	cmd := &cobra.Command{
		Use:           "scalewatchd",
		Short:         "Scale test-controller deployments with the run backlog",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if debug {
				level = logging.LevelDebug
			}
			format := cfg.Log.Format
			if cmd.Flags().Changed("log-format") {
				format = logFormat
			}
			if err := logging.Configure(level, format); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg, version)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Daemon config file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format (text or json)")
	cmd.AddCommand(validateCmd(&configPath))
	return cmd
}

const defaultConfigPath = "/etc/scalewatch/scalewatch.yaml"

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and every static monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			configs, err := monitor.CompileAll(cfg.Monitors, cfg.MonitorDefaults())
			for _, problem := range unwrapJoined(err) {
				_, _ = fmt.Fprintln(out, "invalid:", problem)
			}
			for _, stream := range slices.Sorted(maps.Keys(configs)) {
				c := configs[stream]
				_, _ = fmt.Fprintf(out, "ok: %s -> %s/%s [%d..%d]\n",
					c.Stream, c.Namespace, c.Selector, c.MinReplicas, c.MaxReplicas)
			}
			if err != nil {
				return fmt.Errorf("%s: %d monitor(s) invalid", *configPath, len(unwrapJoined(err)))
			}
			return nil
		},
	}
}

func unwrapJoined(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
