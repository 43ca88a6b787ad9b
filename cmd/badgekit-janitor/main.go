package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/educredentials/badgekit/pkg/auth"
)

var (
	dbURL         = flag.String("db-url", getEnv("BADGEKIT_POSTGRES_URL", "postgres://localhost/badgekit?sslmode=disable"), "PostgreSQL connection URL")
	tokenSchedule = flag.String("token-schedule", "0 * * * *", "Cron schedule for expired token cleanup (default: every hour)")
	runOnce       = flag.Bool("run-once", false, "Run cleanup once and exit")
)

func main() {
	flag.Parse()

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	tokens := auth.NewTokenManager(db)

	if *runOnce {
		if err := cleanupTokens(tokens); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
		log.Println("Cleanup completed successfully")
		return
	}

	c := cron.New()

	_, err = c.AddFunc(*tokenSchedule, func() {
		if err := cleanupTokens(tokens); err != nil {
			log.Printf("Token cleanup failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule token cleanup: %v", err)
	}

	c.Start()
	log.Println("Badgekit janitor started")
	log.Printf("Token cleanup schedule: %s", *tokenSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Println("Janitor stopped")
}

func cleanupTokens(tokens *auth.TokenManager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := tokens.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	log.Printf("Removed %d expired auth tokens", deleted)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
