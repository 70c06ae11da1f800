package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/domain"
	"dutyline/internal/repo"
)

// ResolveFleetAndConfig picks the active fleet and ensures the fleet and its
// HOS rule config exist in the DB, seeding defaults if missing. It prefers
// the override, then the single fleet in the workspace. A missing fleet is
// created on the fly.
func ResolveFleetAndConfig(ctx context.Context, fleetOverride string, r repo.Repo) (string, *config.Config, error) {
	fleetID := fleetOverride
	if fleetID == "" {
		if f, err := r.SingleFleet(ctx); err == nil {
			fleetID = f.ID
		} else {
			return "", nil, fmt.Errorf("fleet not specified; use --fleet")
		}
	}
	seedCfg := config.Default(fleetID)

	if _, err := r.GetFleet(ctx, fleetID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createFleet(ctx, r, fleetID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetFleetConfig(ctx, fleetID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertFleetConfig(ctx, fleetID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed fleet config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Fleet.ID = fleetID
	return fleetID, cfg, nil
}

func createFleet(ctx context.Context, r repo.Repo, fleetID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(fleetID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertFleetTx(ctx, tx, domain.Fleet{ID: fleetID, Status: "active", CreatedAt: now}); err != nil {
		return fmt.Errorf("insert fleet: %w", err)
	}
	if err := r.UpsertFleetConfigTx(ctx, tx, fleetID, seedCfg); err != nil {
		return fmt.Errorf("insert fleet config: %w", err)
	}
	return tx.Commit()
}
