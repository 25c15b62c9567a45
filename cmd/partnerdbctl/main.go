// Command partnerdbctl is a small operator CLI over a partnerdb store: open
// a database directory and put, get, delete, compact, or inspect its
// manifest without writing a Go program to do it.
package main

import (
	"fmt"
	"os"

	"github.com/dialtr/partnerdb/cmd/partnerdbctl/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
