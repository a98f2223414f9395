package main

import (
	"os"

	"github.com/flowmesh/lbcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
