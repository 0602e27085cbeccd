package main

import (
	"os"

	"github.com/psantana5/pvf-worker/cmd/pvfctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
