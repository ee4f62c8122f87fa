package store

import (
	"context"
	"fmt"
	"strings"
)

// SyncAccountKey is the settings key holding the account to sync. An empty
// value means sync is disabled.
const SyncAccountKey = "sync_account"

// GetSetting returns the value stored under key, or "" if there is none.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", wrap("get_setting", "", fmt.Errorf("failed to read setting %s: %w", key, err))
	}
	return value, nil
}

// SetSetting stores value under key. An empty value removes the key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var err error
	if value == "" {
		_, err = s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	} else {
		_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	}
	if err != nil {
		return wrap("set_setting", "", fmt.Errorf("failed to write setting %s: %w", key, err))
	}
	return nil
}

// SyncAccount returns the configured sync account. Surrounding whitespace is
// ignored so a blank preference reads as disabled.
func (s *Store) SyncAccount(ctx context.Context) (string, error) {
	v, err := s.GetSetting(ctx, SyncAccountKey)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// SetSyncAccount configures the account to sync. "" disables sync.
func (s *Store) SetSyncAccount(ctx context.Context, account string) error {
	return s.SetSetting(ctx, SyncAccountKey, strings.TrimSpace(account))
}
