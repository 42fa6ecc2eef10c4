package app

import (
	"context"
	"errors"
	"fmt"

	"gigline/internal/config"
	"gigline/internal/repo"
)

// ResolveConfig loads the marketplace config, preferring the stored DB row,
// then a gigline.yml in the workspace, then built-in defaults. A workspace
// file that differs from the DB row replaces it so imports take effect on
// the next command.
func ResolveConfig(ctx context.Context, workspace, marketplaceID string, r repo.Repo) (*config.Config, error) {
	if fileCfg, err := config.LoadOptional(workspace); err != nil {
		return nil, err
	} else if fileCfg != nil {
		if err := fileCfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", config.Path(workspace), err)
		}
		if err := r.UpsertConfig(ctx, fileCfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return fileCfg, nil
	}

	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	seed := config.Default(marketplaceID)
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
