// Command migrate applies the candle store schema migrations.
package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/openfeeds/marketgate/internal/candlestore"
)

func main() {
	logger := log.New(os.Stdout, "migrate ", log.LstdFlags)

	dsn := flag.String("dsn", "", "PostgreSQL DSN (falls back to CANDLE_STORE_DSN)")
	flag.Parse()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("CANDLE_STORE_DSN"))
	}
	if target == "" {
		logger.Fatal("no DSN provided: pass -dsn or set CANDLE_STORE_DSN")
	}

	if err := candlestore.Migrate(target); err != nil {
		logger.Fatalf("migrate: %v", err)
	}
	logger.Print("migrations applied")
}
