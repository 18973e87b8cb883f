// Package main is the entry point for tape, a headless adaptive DASH
// player that can run a single stream or serve a control API.
package main

import (
	"os"

	"github.com/king-prawns/Tape/cmd/tape/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
