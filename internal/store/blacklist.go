package store

import (
	"context"
	"database/sql"
	"sync"
)

// Blacklist is a set of usernames whose alerts bypass the conversation
// entirely. It hydrates once from the `blacklist` table at construction and
// writes through on every mutation, matching blacklist/sql_blacklist.py's
// in-memory-set-plus-write-through design.
type Blacklist struct {
	store *Store
	mu    sync.RWMutex
	names map[string]struct{}
}

// NewBlacklist loads the current blacklist table into memory.
func (s *Store) NewBlacklist(ctx context.Context) (*Blacklist, error) {
	b := &Blacklist{store: s, names: map[string]struct{}{}}
	err := s.execRetryOnce(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT ldap FROM blacklist`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			b.names[name] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Contains reports whether name is on the blacklist.
func (b *Blacklist) Contains(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.names[name]
	return ok
}

// Add blacklists name, persisting the change before updating the in-memory
// set.
func (b *Blacklist) Add(ctx context.Context, name string) error {
	err := b.store.execRetryOnce(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO blacklist (ldap) VALUES (?)`, name)
		return err
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.names[name] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Remove un-blacklists name.
func (b *Blacklist) Remove(ctx context.Context, name string) error {
	err := b.store.execRetryOnce(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM blacklist WHERE ldap = ?`, name)
		return err
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.names, name)
	b.mu.Unlock()
	return nil
}
