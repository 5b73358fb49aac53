package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dropbox/securitybot/internal/model"
)

// ErrHashCollision is returned by Create when the supplied (or randomly
// generated) hash already names an alert.
var ErrHashCollision = fmt.Errorf("store: hash collision")

const selectAlerts = `
	SELECT a.hash, a.ldap, a.title, a.description, a.reason, a.url, a.event_time,
	       s.status, r.comment, r.performed, r.authenticated
	FROM alerts a
	JOIN alert_status s ON s.hash = a.hash
	JOIN user_responses r ON r.hash = a.hash
	WHERE s.status = ?
`

func (s *Store) tasksWithStatus(ctx context.Context, status model.Status) ([]model.Task, error) {
	var tasks []model.Task
	err := s.execRetryOnce(ctx, func(db *sql.DB) error {
		tasks = nil
		rows, err := db.QueryContext(ctx, selectAlerts, uint8(status))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t model.Task
			var hashBlob []byte
			var eventTime time.Time
			var statusVal uint8
			if err := rows.Scan(&hashBlob, &t.Username, &t.Title, &t.Description, &t.Reason, &t.URL,
				&eventTime, &statusVal, &t.Comment, &t.Performed, &t.Authenticated); err != nil {
				return err
			}
			t.Hash = hashFromBytes(hashBlob)
			t.EventTime = eventTime
			t.Status = model.Status(statusVal)
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

// NewTasks returns all tasks with status OPEN (spec §4.3 new_tasks).
func (s *Store) NewTasks(ctx context.Context) ([]model.Task, error) {
	return s.tasksWithStatus(ctx, model.StatusOpen)
}

// ActiveTasks returns all tasks with status IN_PROGRESS, used for restart
// recovery (spec §4.3 active_tasks, spec §4.7 "on startup").
func (s *Store) ActiveTasks(ctx context.Context) ([]model.Task, error) {
	return s.tasksWithStatus(ctx, model.StatusInProgress)
}

// PendingTasks returns all tasks with status AWAITING_VERIFICATION (spec
// §4.3 pending_tasks).
func (s *Store) PendingTasks(ctx context.Context) ([]model.Task, error) {
	return s.tasksWithStatus(ctx, model.StatusAwaitingVerification)
}

// SetOpen persists task.Status as OPEN without touching the response row.
func (s *Store) SetOpen(ctx context.Context, task model.Task) error {
	return s.setStatus(ctx, task.Hash, model.StatusOpen)
}

// SetInProgress persists task.Status as IN_PROGRESS without touching the
// response row.
func (s *Store) SetInProgress(ctx context.Context, task model.Task) error {
	return s.setStatus(ctx, task.Hash, model.StatusInProgress)
}

func (s *Store) setStatus(ctx context.Context, hash model.Hash, status model.Status) error {
	return s.execRetryOnce(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE alert_status SET status = ? WHERE hash = ?`,
			uint8(status), hashBytes(hash))
		return err
	})
}

// SetVerifying persists status AWAITING_VERIFICATION and commits the
// response fields (performed, comment, authenticated) in the same
// operation, mirroring sql_tasker.py's set_verifying which is the only
// transition that also writes user_responses.
func (s *Store) SetVerifying(ctx context.Context, task model.Task) error {
	return s.execRetryOnce(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `UPDATE alert_status SET status = ? WHERE hash = ?`,
			uint8(model.StatusAwaitingVerification), hashBytes(task.Hash)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_responses SET comment = ?, performed = ?, authenticated = ? WHERE hash = ?`,
			task.Comment, task.Performed, task.Authenticated, hashBytes(task.Hash)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CreateOptions parameterizes Create; Hash is optional — a random 32-byte
// hash is generated via uuid-derived entropy when omitted.
type CreateOptions struct {
	Title       string
	Username    string
	Description string
	Reason      string
	URL         string
	Hash        *model.Hash
}

// Create inserts a new alert plus its initial response/status rows,
// transactionally, matching util.py's create_new_alert which inserts into
// all three tables for a freshly created alert.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (model.Hash, error) {
	var h model.Hash
	if opts.Hash != nil {
		h = *opts.Hash
	} else {
		// Two concatenated UUIDv4s give 32 bytes of randomness without
		// reaching into crypto/rand directly.
		a, b := uuid.New(), uuid.New()
		copy(h[:16], a[:])
		copy(h[16:], b[:])
	}

	err := s.execRetryOnce(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE hash = ?`, hashBytes(h)).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrHashCollision
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alerts (hash, ldap, title, description, reason, url, event_time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			hashBytes(h), opts.Username, opts.Title, opts.Description, opts.Reason, opts.URL, time.Now().UTC()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_responses (hash, comment, performed, authenticated) VALUES (?, '', 0, 0)`,
			hashBytes(h)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alert_status (hash, status) VALUES (?, ?)`, hashBytes(h), uint8(model.StatusOpen)); err != nil {
			return err
		}
		return tx.Commit()
	})
	return h, err
}
