// Package main provides the entry point for the fluxos CLI.
package main

import (
	"os"

	"github.com/fluxtopus/fluxos/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
