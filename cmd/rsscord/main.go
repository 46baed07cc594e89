package main

import (
	"os"

	"github.com/ppiankov/rsscord/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
