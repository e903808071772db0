// Package main provides the entry point for the memoryd server.
package main

import (
	"os"

	"github.com/recallbox/memoryd/cmd/memoryd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
