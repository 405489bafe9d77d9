package store

import (
	"context"
	"time"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// ConfigRepository persists orchestrator-scoped key/value settings.
type ConfigRepository struct {
	q querier
}

// Set upserts one entry.
func (r *ConfigRepository) Set(ctx context.Context, entry *ConfigEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO config (key, value, encrypted, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			value = excluded.value, encrypted = excluded.encrypted, updated_at = excluded.updated_at`,
		entry.Key, entry.Value, entry.Encrypted, formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return mapSQLError("set config entry", err)
	}
	return nil
}

// Get returns one entry or store-not-found.
func (r *ConfigRepository) Get(ctx context.Context, key string) (*ConfigEntry, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT key, value, encrypted, updated_at FROM config WHERE key = ?`, key)
	var entry ConfigEntry
	var updatedAt string
	err := row.Scan(&entry.Key, &entry.Value, &entry.Encrypted, &updatedAt)
	if isNoRows(err) {
		return nil, swarmerr.StoreNotFoundErr("config entry", key)
	}
	if err != nil {
		return nil, mapSQLError("get config entry", err)
	}
	entry.UpdatedAt = parseTime(updatedAt)
	return &entry, nil
}

// All returns every entry keyed by key.
func (r *ConfigRepository) All(ctx context.Context) (map[string]*ConfigEntry, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT key, value, encrypted, updated_at FROM config ORDER BY key`)
	if err != nil {
		return nil, mapSQLError("list config entries", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make(map[string]*ConfigEntry)
	for rows.Next() {
		var entry ConfigEntry
		var updatedAt string
		if err := rows.Scan(&entry.Key, &entry.Value, &entry.Encrypted, &updatedAt); err != nil {
			return nil, mapSQLError("scan config entry", err)
		}
		entry.UpdatedAt = parseTime(updatedAt)
		entries[entry.Key] = &entry
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("iterate config entries", err)
	}
	return entries, nil
}
