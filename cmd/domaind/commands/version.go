package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spin-stack/domaind/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the domaind build",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}
