// Package cmd implements the tape CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/key"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/session"
)

var (
	appConfig *config.Config
	log       logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tape",
	Short: "Headless adaptive DASH player",
	Long: `tape plays MPEG-DASH streams without a screen. It fetches the manifest,
picks representations with an ABR algorithm, downloads segments into
simulated buffers and reports everything it does as events.

Configuration is read from the file given with --config and from
environment variables prefixed with TAPE_, for example:
  TAPE_LOGGING_LEVEL=debug tape play https://example.com/manifest.mpd`,
	SilenceUsage:      true,
	PersistentPreRunE: initialize,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringP("log-level", "L", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")
}

// initialize loads the config and builds the root logger. Flags override
// the config only when set explicitly.
func initialize(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
	}

	appConfig = cfg
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	log.Debugf("Configuration loaded with %d assets", len(cfg.Assets))
	return nil
}

func newSessionManager() (*session.Manager, error) {
	keyService, err := key.NewService(appConfig.Assets)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key service: %w", err)
	}
	return session.NewManager(appConfig, keyService, log), nil
}
