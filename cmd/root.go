package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trialvault/trialvault/cmd/lock"
	"github.com/trialvault/trialvault/cmd/seed"
	"github.com/trialvault/trialvault/cmd/serve"
	"github.com/trialvault/trialvault/internal/buildinfo"
	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var (
		configFile string
		debug      bool
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:           "trialvault",
		Short:         "Clinical data lock service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml (default: search ./, ~/.config/trialvault, /etc/trialvault)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	versionCmd := versionCommand(build)

	rootCmd.AddCommand(
		serve.Command(settings, build),
		seed.Command(settings),
		versionCmd,
	)
	rootCmd.AddCommand(lock.Commands(settings)...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// The version command needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		loaded, err := conf.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		*settings = *loaded
		if debug {
			settings.Debug = true
		}

		central, err = initLogging(settings)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if central == nil {
			return nil
		}
		if err := central.Flush(); err != nil {
			return err
		}
		return central.Close()
	}

	return rootCmd
}

// initLogging replaces the global logger with one built from the logging
// settings. --debug raises every output to debug level.
func initLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = "debug"
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = "debug"
			cfg.Console = &console
		}
	}

	central, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	central.Module("main").Debug("configuration loaded",
		logger.String("database", settings.Database.Type),
		logger.String("listen", settings.WebServer.Listen),
		logger.Strings("preconditions", settings.Locking.Preconditions))
	return central, nil
}

func versionCommand(build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), build.String())
		},
	}
}
