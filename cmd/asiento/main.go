package main

import (
	"os"

	"github.com/asientohq/asiento/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
