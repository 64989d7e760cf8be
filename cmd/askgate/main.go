package main

import (
	"fmt"
	"os"

	"github.com/anaphygon/askgate/internal/cmd"

	// quota days roll over in a named zone even on hosts without zoneinfo
	_ "time/tzdata"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cmd.Version = Version
	cmd.BuildTime = BuildTime

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
