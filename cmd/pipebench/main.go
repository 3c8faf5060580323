package main

import (
	"os"

	"github.com/majorcontext/pipebench/cmd/pipebench/cli"
	"github.com/majorcontext/pipebench/internal/pipeline"
	"github.com/majorcontext/pipebench/internal/ui"
)

func main() {
	// Stage processes are copies of this binary; they never reach the CLI.
	pipeline.Reexec()

	if err := cli.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(1)
	}
}
