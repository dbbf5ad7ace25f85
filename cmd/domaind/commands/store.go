package commands

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/spin-stack/domaind/internal/paths"
	"github.com/spin-stack/domaind/internal/store"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Read the domain manager's store",
}

func init() {
	storeCmd.AddCommand(
		storeLsCmd,
		storeReadCmd,
	)
}

var storeLsCmd = &cobra.Command{
	Use:   "ls <path>",
	Short: "List the children of a store path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st store.Store) error {
			names, err := store.List(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			for _, name := range names {
				value, err := store.ReadOptional(cmd.Context(), st, store.Join(args[0], name))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %q\n", name, value)
			}
			return nil
		})
	},
}

var storeReadCmd = &cobra.Command{
	Use:   "read <path>...",
	Short: "Print the values stored at paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st store.Store) error {
			for _, p := range args {
				value, err := store.Read(cmd.Context(), st, p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
			}
			return nil
		})
	},
}

func withStore(cmd *cobra.Command, fn func(store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath := paths.StoreDBPath(cfg.Paths)
	log.G(cmd.Context()).WithField("path", dbPath).Debug("store: opening database")
	st, err := store.NewBoltStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
