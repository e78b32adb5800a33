package main

import (
	"os"

	"github.com/craftscan/craftscan/cmd/craftscan/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
