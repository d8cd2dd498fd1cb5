// Package cli implements the code-with-me command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"code-with-me/internal/config"
	"code-with-me/internal/logging"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the state they produce.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	Config config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "code-with-me",
		Short: "Real-time collaborative editing over a relay",
		Long: `code-with-me keeps a text buffer in sync between several people.

One side runs a relay, a host shares a file through it and hands out the
invite link, and guests join with that link.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "code-with-me.yaml", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewHostCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewInviteCommand(opts))

	return cmd
}

// load resolves config file, environment and flags, in that order of
// increasing precedence, and installs the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	o.Config = cfg
	o.Logger = logger
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
