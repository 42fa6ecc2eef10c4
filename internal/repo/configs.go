package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"gigline/internal/config"
)

// GetConfig loads the stored marketplace config. The configs table holds a
// single row.
func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM configs WHERE id=1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpsertConfig stores the marketplace config, replacing any previous row.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO configs(id, config_json, created_at, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		string(raw), now, now)
	return err
}
