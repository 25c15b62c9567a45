package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Print the current version's per-level run counts and sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			for _, l := range db.Levels() {
				fmt.Printf("L%d: %d files, %d bytes\n", l.Level, l.NumFiles, l.TotalSize)
			}
			return nil
		},
	}
	return cmd
}
