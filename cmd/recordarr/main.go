// Package main is the entry point for the recordarr application.
package main

import (
	"os"

	"github.com/jmylchreest/recordarr/cmd/recordarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
