package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"z-novel-pipeline/internal/config"
	"z-novel-pipeline/internal/wire"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("Starting batch_jobs migration...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	m, cleanup, err := wire.InitializeMigrator(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize postgres: %v", err)
	}
	defer cleanup()

	if err := m.Client.HealthCheck(ctx); err != nil {
		log.Fatalf("postgres not reachable: %v", err)
	}
	if err := m.Repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate batch_jobs: %v", err)
	}

	fmt.Println("Migration completed.")
}
