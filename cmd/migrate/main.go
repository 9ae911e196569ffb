package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/warp/timebank/config"
	"github.com/warp/timebank/store/postgres"
)

func main() {
	dsn := flag.String("database-url", "", "PostgreSQL connection string (default: TIMEBANK_DATABASE_URL)")
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: go run ./cmd/migrate [-database-url=...] [command]")
		fmt.Println("Commands: up, down, status, redo")
		os.Exit(1)
	}

	if *dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		*dsn = cfg.DatabaseURL
	}
	if *dsn == "" {
		log.Fatal("Config error: TIMEBANK_DATABASE_URL or -database-url is required")
	}

	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log.Printf("Starting migration: %s", command)

	if err := postgres.RunMigrations(ctx, *dsn, command); err != nil {
		log.Fatalf("Migration error: %v", err)
	}

	fmt.Println("Migration finished successfully")
}
