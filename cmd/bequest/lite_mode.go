package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/bequest-labs/bequest/pkg/config"
	"github.com/bequest-labs/bequest/pkg/crypto"
	"github.com/bequest-labs/bequest/pkg/identity"
	"github.com/bequest-labs/bequest/pkg/store"

	_ "modernc.org/sqlite"
)

func setupLiteMode(_ context.Context, dbPath string) (*sql.DB, store.Backend, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	log.Printf("[bequest] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	backend, err := store.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	return db, backend, nil
}

// loadKeys derives the token signing key and the evidence sealer from
// MASTER_SECRET. Without a master secret both are ephemeral: tokens
// and seals stop validating after a restart, which production refuses.
func loadKeys(cfg *config.Config) (*identity.InMemoryKeySet, *crypto.Ed25519Sealer, error) {
	if cfg.MasterSecret == "" {
		if cfg.IsProduction() {
			return nil, nil, fmt.Errorf("production mode requires MASTER_SECRET to be set")
		}

		fmt.Fprintf(os.Stdout, "\n%s⚠️  SECURITY WARNING: no MASTER_SECRET set, using ephemeral keys.%s\n", ColorBold+ColorYellow, ColorReset)
		fmt.Fprintf(os.Stdout, "   Tokens and evidence seals will not survive a restart.\n\n")

		keySet, err := identity.NewKeySet()
		if err != nil {
			return nil, nil, err
		}
		sealer, err := crypto.NewEd25519Sealer()
		if err != nil {
			return nil, nil, err
		}
		return keySet, sealer, nil
	}

	master, err := hex.DecodeString(cfg.MasterSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("MASTER_SECRET is not valid hex: %w", err)
	}
	keySet, err := identity.NewKeySetFromMaster(master)
	if err != nil {
		return nil, nil, err
	}
	sealer, err := crypto.SealerFromMaster(master)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("[bequest] trust: keys derived from master secret")
	return keySet, sealer, nil
}

func decodeMaster(hexSecret string) []byte {
	if hexSecret == "" {
		return nil
	}
	master, err := hex.DecodeString(hexSecret)
	if err != nil {
		log.Fatalf("MASTER_SECRET is not valid hex: %v", err)
	}
	return master
}
