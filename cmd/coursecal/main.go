package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"coursecal/internal/config"
	appLog "coursecal/internal/log"
)

const version = "0.1.0"

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "coursecal",
		Short: "Build a course timetable from CalDAV/ICS feeds",
		Long: `coursecal fetches calendar feeds, keeps the entries of the configured
courses and groups, expands recurring sessions and writes a sorted,
deduplicated events.json document.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyLogLevel(flags); err != nil {
				return err
			}
			return loadEnvFile(flags.envFile, cmd.Flags().Changed("env-file"))
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "./config.yaml", "Path to config file (created with defaults if missing)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Optional .env file with credentials referenced by source URLs")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.BoolVar(&flags.debug, "debug", false, "Shorthand for --log-level=debug")

	cmd.AddCommand(
		newBuildCmd(flags),
		newServeCmd(flags),
		newCheckCmd(flags),
	)
	return cmd
}

func applyLogLevel(flags *rootFlags) error {
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
		return nil
	}
	lvl, ok := appLog.ParseLevel(flags.logLevel)
	if !ok {
		return fmt.Errorf("invalid --log-level %q", flags.logLevel)
	}
	appLog.SetLevel(lvl)
	return nil
}

// loadEnvFile loads KEY=VALUE pairs without overriding variables that are
// already set. A missing default file is fine; a missing explicit one is not.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	appLog.Debug("env file loaded", "path", path)
	return nil
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", flags.configPath, err)
	}
	appLog.Info("effective config",
		"config_path", flags.configPath,
		"output", cfg.Output,
		"sources", len(cfg.Sources),
		"courses", len(cfg.Courses),
		"window_past_days", cfg.Window.PastDays,
		"window_future_days", cfg.Window.FutureDays,
		"group_policy", cfg.GroupPolicy,
		"override_policy", cfg.OverridePolicy,
	)
	if len(cfg.Sources) == 0 {
		appLog.Warn("no sources configured; edit the config file", "config_path", flags.configPath)
	}
	return cfg, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
