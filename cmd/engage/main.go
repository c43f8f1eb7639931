// Command engage is the developer tool for the Engage SDK: validate
// snapshot files, inspect device databases, and simulate trigger decisions.
package main

import (
	"fmt"
	"os"

	"github.com/pulsekit/engage-go/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
