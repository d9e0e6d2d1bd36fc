// Package cmd holds the snapstream-agent command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"snapstream/agent/internal/config"
	"snapstream/agent/internal/logger"
)

// NewRootCmd builds the command tree. The configuration is loaded before any
// subcommand runs and is available through config.Get.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "snapstream-agent",
		Short: "Capture images and publish them to an MQTT broker over mutual TLS",
		Long: `snapstream-agent runs on a camera device. It registers with the broker,
publishes a frame to photos/<id> on a fixed interval while in live mode with
transmission enabled, and follows "start manual" / "start live" commands
received on setup/<id>.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Init(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := logger.Init(logger.Options{Path: cfg.Log.Path, Level: cfg.Log.Level, JSON: cfg.Log.JSON}); err != nil {
				return fmt.Errorf("failed to init logger: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config/config.yaml", "path to the configuration file")

	root.AddCommand(newRunCmd(), newCertsCmd(), newConfigCmd(), newVersionCmd())
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
