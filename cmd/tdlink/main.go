// Command tdlink is the command-line client: run, send, remap, trace, test
// and validate.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/tdlink/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
