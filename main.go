package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/buoyhq/buoy/cmd"
)

func main() {
	// A missing .env file is fine; deployed environments set real env vars.
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
