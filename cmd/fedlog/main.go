// Command fedlog runs and manages a federated event log instance.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fedlog/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
