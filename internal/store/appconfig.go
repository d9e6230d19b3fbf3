package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"spool/internal/config"
)

// LoadConfig returns the persisted configuration, or (nil, false, nil) when
// none has been saved yet.
func (s *Store) LoadConfig(ctx context.Context) (*config.Config, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM app_config WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load config: %w", err)
	}

	cfg := config.Default()
	if err := json.Unmarshal([]byte(payload), cfg); err != nil {
		return nil, false, fmt.Errorf("decode stored config: %w", err)
	}
	return cfg, true, nil
}

// SaveConfig upserts the singleton configuration row.
func (s *Store) SaveConfig(ctx context.Context, cfg *config.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_config (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload,
			updated_at = excluded.updated_at`,
		string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
