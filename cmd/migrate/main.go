package main

import (
	"errors"
	"flag"
	"log"
	"os"

	"github.com/coomunity/unitsledger/internal/config"
	"github.com/coomunity/unitsledger/internal/store"
	"github.com/golang-migrate/migrate/v4"
)

func main() {
	steps := flag.Int("steps", 0, "for down: number of migrations to revert (0 = all)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	dbURL := os.Getenv("DB_SOURCE")
	if dbURL == "" {
		log.Fatal("DB_SOURCE is required")
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	if cmd == "up" {
		if err := store.MigrateUp(dbURL); err != nil {
			log.Fatal(err)
		}
		log.Println("schema is up to date")
		return
	}

	m, err := store.NewMigrator(dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	switch cmd {
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("migrations reverted")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("no migrations applied")
			return
		}
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("version %d (dirty=%t)", v, dirty)
	default:
		log.Fatalf("unknown command %q: want up, down or version", cmd)
	}
}
