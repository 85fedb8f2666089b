// Command keyforge plans and runs adaptive password recovery sessions.
package main

import (
	"os"

	"github.com/Iron-Ham/keyforge/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
