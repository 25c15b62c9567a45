package cli

import (
	"errors"
	"fmt"

	"github.com/dialtr/partnerdb"
	"github.com/spf13/cobra"
)

func buildGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read the current value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			got, err := db.Get([]byte(args[0]))
			if errors.Is(err, partnerdb.ErrNotFound) {
				fmt.Println("(not found)")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(string(got))
			return nil
		},
	}
	return cmd
}
