// Command dwell tracks how long pages stay open and how long they are
// actively used.
package main

import (
	"errors"
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"

	"github.com/runnerr0/dwell/internal/cli"
)

// version is set via ldflags at release time.
var version = "dev"

func main() {
	if err := cli.Run(version); err != nil {
		// go-flags already printed parse errors.
		var flagsErr *goflags.Error
		if !errors.As(err, &flagsErr) {
			fmt.Fprintf(os.Stderr, "dwell: %v\n", err)
		}
		os.Exit(1)
	}
}
