// Command ssectl is the control-plane binary for the State & Store Engine.
package main

import (
	"fmt"
	"os"

	"github.com/sps2/sse/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
