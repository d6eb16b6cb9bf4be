package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetMeta retrieves a client metadata value by key.
func (s *LocalStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM client_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("client meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get client meta: %w", err)
	}
	return value, nil
}

// SetMeta sets a client metadata value.
func (s *LocalStore) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, s.db, key, value)
}

func setMeta(ctx context.Context, execer execContext, key, value string) error {
	_, err := execer.ExecContext(ctx, `
		INSERT OR REPLACE INTO client_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set client meta: %w", err)
	}
	return nil
}
