package store

import (
	"context"
	"database/sql"
	"time"
)

// pruneIgnored deletes every expired ignore row before a read, matching
// ignored_alerts.py's __update_ignored_list (run unconditionally before
// every SELECT from `ignored`).
func (s *Store) pruneIgnored(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DELETE FROM ignored WHERE until <= ?`, time.Now().UTC())
	return err
}

// Ignored returns the username's active suppression set as title -> reason,
// lazily pruning expired entries first (spec §4.4 get).
func (s *Store) Ignored(ctx context.Context, username string) (map[string]string, error) {
	result := map[string]string{}
	err := s.execRetryOnce(ctx, func(db *sql.DB) error {
		if err := s.pruneIgnored(ctx, db); err != nil {
			return err
		}
		rows, err := db.QueryContext(ctx, `SELECT title, reason FROM ignored WHERE ldap = ?`, username)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var title, reason string
			if err := rows.Scan(&title, &reason); err != nil {
				return err
			}
			result[title] = reason
		}
		return rows.Err()
	})
	return result, err
}

// IsIgnored reports whether (username, title) is currently suppressed
// (spec §4.4 is_ignored).
func (s *Store) IsIgnored(ctx context.Context, username, title string) (bool, error) {
	ignored, err := s.Ignored(ctx, username)
	if err != nil {
		return false, err
	}
	_, present := ignored[title]
	return present, nil
}

// Ignore upserts a suppression window for (username, title), replacing both
// reason and until on conflict (spec §4.4 ignore).
func (s *Store) Ignore(ctx context.Context, username, title, reason string, ttl time.Duration) error {
	until := time.Now().UTC().Add(ttl)
	return s.execRetryOnce(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO ignored (ldap, title, reason, until) VALUES (?, ?, ?, ?)
			ON CONFLICT(ldap, title) DO UPDATE SET reason = excluded.reason, until = excluded.until
		`, username, title, reason, until)
		return err
	})
}
