// Package main is the entry point for the weiboloader CLI.
package main

import (
	"fmt"
	"os"

	"github.com/cxyfer/weiboloader/internal/app"
	"github.com/cxyfer/weiboloader/internal/cli"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

func main() {
	os.Exit(run())
}

func run() int {
	runner := app.NewRunner()
	defer runner.Stop()

	root := cli.NewRootCommand()
	root.SetContext(runner.Context())

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "weiboloader: %v\n", err)
	}
	return weiboerr.MapExitCode(err)
}
