// Command tillsync runs and inspects the offline sync engine of a till.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tillsync/internal/cli"
)

func main() {
	err := cli.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tillsync:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
