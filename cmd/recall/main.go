// Command recall saves and searches encrypted personal notes from the shell.
package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		log.Error("recall failed", "err", err)
		os.Exit(1)
	}
}
