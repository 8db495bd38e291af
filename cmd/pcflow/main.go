// Command pcflow drives private computation instances through their stage flows.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/3leaps/pcflow/internal/cmd"
)

// Set by the linker: -X main.version=... -X main.commit=... -X main.buildDate=...
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cmd.ExitCode(err))
	}
}
