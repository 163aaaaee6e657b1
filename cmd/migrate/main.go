// Command migrate applies the embedded schema migrations.
package main

import (
	"flag"
	"log"

	"campusattend/internal/config"
	"campusattend/internal/store"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg := config.Load()
	if err := store.Migrate(cfg.DatabaseURL, *direction); err != nil {
		log.Fatalf("migration %s failed: %v", *direction, err)
	}
	log.Printf("migration %s complete", *direction)
}
