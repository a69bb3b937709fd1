// Package main provides the entry point for the locus server CLI.
package main

import (
	"os"

	"github.com/locussearch/locus/cmd/locus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
