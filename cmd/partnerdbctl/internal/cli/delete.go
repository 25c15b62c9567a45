package cli

import (
	"github.com/dialtr/partnerdb"
	"github.com/spf13/cobra"
)

func buildDeleteCommand() *cobra.Command {
	var sync bool

	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Write a tombstone for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			opts := &partnerdb.WriteOptions{Sync: sync}
			return db.Delete([]byte(args[0]), opts)
		},
	}

	cmd.Flags().BoolVar(&sync, "sync", true, "fsync the WAL before returning")
	return cmd
}
