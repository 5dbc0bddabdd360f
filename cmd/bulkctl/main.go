package main

import (
	"os"

	"github.com/JonMunkholm/opsbulk/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	// A .env next to the binary configures it like the server.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
