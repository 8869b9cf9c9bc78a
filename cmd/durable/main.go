// Command durable runs and manages journaled invocations.
//
// The binary hosts the built-in cron object; programs embedding their own
// services build the same command with cli.NewRootCommand(defs...).
package main

import (
	"fmt"
	"os"

	"github.com/roach88/durable/internal/cli"
	"github.com/roach88/durable/internal/cron"
)

func main() {
	cmd := cli.NewRootCommand(cron.Definition())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
