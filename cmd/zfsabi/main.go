package main

import (
	"os"

	"github.com/vansante/go-zfsabi/cmd/zfsabi/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
