// Command tenantsync keeps per-tenant workspace stores monitored.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tenantsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tenantsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
