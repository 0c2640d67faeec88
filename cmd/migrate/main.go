package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/better-wallet/passkey-account/internal/storage"
	"github.com/better-wallet/passkey-account/migrations"
)

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := storage.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	done, err := store.Migrate(ctx, migrations.FS, storage.MigrateDirection(*direction), *steps)
	for _, version := range done {
		fmt.Printf("Applied migration: %s (%s)\n", version, *direction)
	}
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if len(done) == 0 {
		fmt.Println("No migrations to apply")
	} else {
		fmt.Printf("Applied %d migration(s)\n", len(done))
	}
}
