package main

import (
	"os"

	"github.com/roboricindustries/raycon-collab/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
