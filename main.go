package main

import (
	"os"

	"github.com/ry-ht/loom/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
