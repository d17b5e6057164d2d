// Package main provides the entry point for the patchsmith service.
package main

import (
	"os"

	"github.com/patchsmith/patchsmith/cmd/patchsmith/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
