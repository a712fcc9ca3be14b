package main

import (
	"fmt"
	"os"

	"github.com/cgdae/walk/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "walk: %s\n", msg)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
