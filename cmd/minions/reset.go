package main

import (
	"fmt"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/store"
)

// runResetState deletes a persisted minion snapshot from the broker store
// and from the standalone state file.
func runResetState(id string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	deleted := false
	for _, path := range []string{cfg.Store.Path, cfg.Snapshot.StatePath} {
		db, err := store.New(config.StoreConfig{Path: path})
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		ok, err := db.DeleteState(id)
		db.Close()
		if err != nil {
			return fmt.Errorf("delete state in %s: %w", path, err)
		}
		if ok {
			fmt.Printf("deleted state of %s from %s\n", id, path)
			deleted = true
		}
	}
	if !deleted {
		fmt.Printf("no persisted state for %s\n", id)
	}
	return nil
}
