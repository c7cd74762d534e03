package main

import (
	"os"

	"github.com/Iron-Ham/relay/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
