package cli

import (
	"github.com/dialtr/partnerdb"
	"github.com/spf13/cobra"
)

func buildPutCommand() *cobra.Command {
	var sync bool

	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			opts := &partnerdb.WriteOptions{Sync: sync}
			return db.Put([]byte(args[0]), []byte(args[1]), opts)
		},
	}

	cmd.Flags().BoolVar(&sync, "sync", true, "fsync the WAL before returning")
	return cmd
}
