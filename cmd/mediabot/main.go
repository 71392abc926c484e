package main

import (
	"os"

	"github.com/psantana5/mediabot/cmd/mediabot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
