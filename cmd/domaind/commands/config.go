package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/spin-stack/domaind/internal/config"
	"github.com/spin-stack/domaind/internal/device"
	"github.com/spin-stack/domaind/internal/domain"
	"github.com/spin-stack/domaind/internal/store"
)

var arch string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with domain configurations",
}

func init() {
	configCheckCmd.Flags().StringVar(&arch, "arch", "", "host architecture to check the image against (default: detected)")
	configCmd.AddCommand(configCheckCmd)
}

var configCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a domain configuration and print it normalized",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := domain.ParseConfig(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		reg, err := device.NewDefaultRegistry(device.Env{Store: store.NewMemoryStore()})
		if err != nil {
			return err
		}
		a := arch
		if a == "" {
			a = config.HostArch()
		}
		if err := cfg.Validate(reg, a); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
