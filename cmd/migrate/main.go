// Package main provides the audit database migration runner.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kidoz/emulinker-sub000/internal/config"
	"github.com/kidoz/emulinker-sub000/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	dir := flag.String("dir", "migrations", "directory holding the migration files")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	if *direction != "up" && *direction != "down" {
		log.Fatalf("invalid direction %q: must be 'up' or 'down'", *direction)
	}
	if *steps < 0 {
		log.Fatalf("invalid steps %d: must not be negative", *steps)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if !cfg.Database.Enabled {
		log.Printf("database.enabled is false in %s; migrating anyway", *configPath)
	}

	res, err := postgres.Migrate(cfg.Database.DSN(), *dir, *direction == "down", *steps)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	elapsed := time.Since(start)
	if !res.Changed {
		fmt.Fprintf(os.Stdout, "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, elapsed)
		return
	}
	fmt.Fprintf(os.Stdout, "migrated %s to version=%d dirty=%v [%s]\n", *direction, res.Version, res.Dirty, elapsed)
}
