// Package main is the entry point for the wabridge CLI.
package main

import (
	"os"

	"github.com/sigortampanel/wabridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
