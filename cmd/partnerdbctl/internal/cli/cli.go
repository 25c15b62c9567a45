// Package cli wires partnerdbctl's command tree: put, get, delete,
// compact, and manifest, each a thin wrapper that opens the store and
// calls the partnerdb package's public Store API.
package cli

import (
	"github.com/dialtr/partnerdb"
	"github.com/spf13/cobra"
)

var dbDir string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "partnerdbctl",
		Short: "Inspect and operate a partnerdb store from the command line",
	}

	rootCmd.PersistentFlags().StringVarP(&dbDir, "db", "d", "", "path to the store directory (required)")
	rootCmd.MarkPersistentFlagRequired("db")

	rootCmd.AddCommand(buildPutCommand())
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildDeleteCommand())
	rootCmd.AddCommand(buildCompactCommand())
	rootCmd.AddCommand(buildManifestCommand())

	return rootCmd
}

// openStore opens the store at dbDir, creating it if it doesn't already
// exist, using the real on-disk filesystem (partnerdb.DefaultOptions'
// FS is already vfs.Default).
func openStore() (*partnerdb.Store, error) {
	opts := partnerdb.DefaultOptions()
	opts.CreateIfMissing = true
	return partnerdb.Open(dbDir, opts)
}
