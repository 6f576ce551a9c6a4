package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/livinlefevreloca/tether/internal/store"
)

// KV exposes the kv table as a store.Medium
type KV struct {
	db *DB
}

// NewKV returns a Medium backed by the database's kv table
func NewKV(db *DB) *KV {
	return &KV{db: db}
}

var _ store.Medium = (*KV)(nil)

func (k *KV) Get(key string) ([]byte, error) {
	var value []byte
	err := k.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (k *KV) Set(key string, value []byte) error {
	return k.Apply([]store.Op{{Key: key, Value: value}})
}

func (k *KV) Delete(key string) error {
	if _, err := k.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns all pairs whose key starts with prefix, ordered by key
func (k *KV) List(prefix string) ([]store.KV, error) {
	// Range scan on the primary key; prefix+"\xff" bounds every key sharing the prefix
	rows, err := k.db.Query(
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\xff",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []store.KV
	for rows.Next() {
		var kv store.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Apply writes every op in a single transaction
func (k *KV) Apply(ops []store.Op) error {
	return k.db.WithTransaction(func(tx *Tx) error {
		for _, op := range ops {
			if op.Value == nil {
				if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, op.Key); err != nil {
					return fmt.Errorf("failed to delete %s: %w", op.Key, err)
				}
				continue
			}
			_, err := tx.Exec(`
				INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(key) DO UPDATE SET
					value = excluded.value,
					updated_at = excluded.updated_at
			`, op.Key, op.Value)
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", op.Key, err)
			}
		}
		return nil
	})
}
