// Package commands implements the domaind command line.
package commands

import (
	"context"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/spin-stack/domaind/internal/config"
	"github.com/spin-stack/domaind/internal/version"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "domaind",
	Short:        "Inspect domain configurations, PCI devices and the store",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level := "info"
		if debug {
			level = "debug"
		}
		if err := log.SetLevel(level); err != nil {
			return err
		}
		log.G(cmd.Context()).WithFields(version.Fields()).Debug("domaind: starting")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "daemon configuration file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		configCmd,
		pciCmd,
		storeCmd,
		versionCmd,
	)
}

// loadConfig returns the daemon configuration named by --config, or the
// global one.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Get()
}

// Execute executes the root command.
func Execute() {
	ctx := log.WithLogger(context.Background(), log.L)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
