package main

import (
	"fmt"
	"os"

	"github.com/alexjbarnes/offsync/internal/cli"
)

var Version = "dev"

func main() {
	if err := cli.NewRootCommand(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
