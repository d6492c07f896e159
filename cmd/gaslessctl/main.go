package main

import (
	"os"

	"github.com/pixelpets/gasless/cmd/gaslessctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
