package main

import (
	"os"

	"github.com/k2io/detour/cmd/hookscan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
