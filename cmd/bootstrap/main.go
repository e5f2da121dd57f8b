package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/store"
)

// Bootstrap initializes the Postgres schema for a new deployment:
// plans, approvals, the event chain, and the idempotency cache. Every
// statement is IF NOT EXISTS, so rerunning against a live database is
// safe.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: bootstrap <db_url>")
	}
	dbURL := os.Args[1]

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("DB ping failed: %v", err)
	}

	log.Println("[bootstrap] initializing schemas...")

	// Plans and approvals
	if err := store.NewPostgresStore(db).Init(ctx); err != nil {
		log.Fatalf("Failed to init plan store: %v", err)
	}
	log.Println("[bootstrap] plan store: ready")

	// Event chain
	trail := ledger.NewSQLLedger(db)
	if err := trail.Init(ctx); err != nil {
		log.Fatalf("Failed to init ledger: %v", err)
	}
	log.Println("[bootstrap] ledger: ready")

	// Idempotency cache
	if err := api.NewPostgresIdempotencyStore(db, 24*time.Hour).Init(ctx); err != nil {
		log.Fatalf("Failed to init idempotency store: %v", err)
	}
	log.Println("[bootstrap] idempotency store: ready")

	// Report the stored chain head so operators can compare it across
	// runs; a shrinking sequence means someone truncated the trail.
	seq, head, err := trail.Head(ctx)
	if err != nil {
		log.Printf(">> Warning: could not read ledger head: %v", err)
	} else {
		log.Printf("[bootstrap] ledger head: seq %d (%s)", seq, head)
	}

	log.Println("[bootstrap] bootstrap complete.")
}
