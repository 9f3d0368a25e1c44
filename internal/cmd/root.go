// Package cmd is the collabctl command line.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roboricindustries/raycon-collab/internal/config"
	"github.com/roboricindustries/raycon-collab/internal/logging"
)

var (
	v        = viper.New()
	cfg      = config.Default()
	logger   = logging.Nop()
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "collabctl",
	Short: "Cooperative single-writer editing of shared workflows",
	Long: `collabctl joins a shared workflow as one participant, runs the relay that
participants connect to, and finds relays on the local network.

Only one participant holds write access at a time. Idle writers lose it
after the inactivity timeout and it passes to the next viewer by id.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default $XDG_CONFIG_HOME/raycon-collab/collab.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))
}

// setup loads configuration and builds the logger before any command
// runs. Log level changes in the config file apply without a restart.
func setup(cmd *cobra.Command, _ []string) error {
	file := ""
	if f := cmd.Flag("config"); f != nil {
		file = f.Value.String()
	}
	if err := config.Init(v, file); err != nil {
		return err
	}
	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	logLevel.Set(logging.ParseLevel(cfg.Logging.Level))
	logger = logging.NewWithLevel(logLevel, cfg.Logging.Format, cmd.ErrOrStderr())
	if config.Watch(v, logger, func(next *config.Config) {
		logLevel.Set(logging.ParseLevel(next.Logging.Level))
	}) {
		logger.Debug("watching config", slog.String("file", v.ConfigFileUsed()))
	}
	return nil
}
