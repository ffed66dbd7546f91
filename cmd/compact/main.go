package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"

	"collab-backend/internal/database"
	"collab-backend/internal/eventlog"
)

// Forces event log compaction without waiting for the row-count trigger.
// Useful after bulk imports or before archiving a database.
func main() {
	boardID := flag.Int64("board", 0, "compact a single board (0 = all boards)")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file, using environment")
	}

	// Connect to database
	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	store := eventlog.NewGormStore(db, 0)

	var boards []int64
	if *boardID != 0 {
		boards = []int64{*boardID}
	} else {
		boards, err = store.BoardIDs()
		if err != nil {
			log.Fatalf("Failed to list boards: %v", err)
		}
	}

	log.Printf("Database connected. Compacting %d board(s)...", len(boards))
	for _, id := range boards {
		if err := store.ForceCompact(id); err != nil {
			log.Fatalf("Compaction failed for board %d: %v", id, err)
		}
	}
	log.Println("Compaction complete.")
}
