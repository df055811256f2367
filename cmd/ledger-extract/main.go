package main

import (
	"log"
	"os"

	"github.com/Sternrassler/ledger-extract/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
