package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildCompactCommand() *cobra.Command {
	var lo, hi string

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Force a manual compaction over a key range",
		Long:  "Folds every run overlapping [lo, hi] down through each level. Omit both bounds to compact the whole keyspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			var loBytes, hiBytes []byte
			if lo != "" {
				loBytes = []byte(lo)
			}
			if hi != "" {
				hiBytes = []byte(hi)
			}
			db.CompactRange(loBytes, hiBytes)
			db.Wait()
			fmt.Println("compaction complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&lo, "lo", "", "inclusive lower bound (default: start of keyspace)")
	cmd.Flags().StringVar(&hi, "hi", "", "inclusive upper bound (default: end of keyspace)")
	return cmd
}
