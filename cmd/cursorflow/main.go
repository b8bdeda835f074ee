package main

import (
	"os"

	"github.com/cursorflow/cursorflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
