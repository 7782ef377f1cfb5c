package main

import (
	"os"

	"github.com/terraphim/issuepilot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
