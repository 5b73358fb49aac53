// Package audit records the operator-relevant events of spec §7c that are
// not simple per-message errors: an unrecognized chat user, a blacklist
// short-circuit, a silent auto-escalation, and a datastore reconnect. It
// mirrors the teacher's internal/audit/audit.go JSONL+table sink, adapted
// from a permission-decision log to a domain-event log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dropbox/securitybot/internal/shared"
)

// Event kinds.
const (
	KindInvalidUser        = "invalid_user"
	KindBlacklistHit       = "blacklist_hit"
	KindAutoEscalation     = "auto_escalation"
	KindDatastoreReconnect = "datastore_reconnect"
	KindCommandDenied      = "command_denied"
	KindPanicRecovered     = "panic_recovered"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Username  string `json:"username,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	counts = map[string]int64{}
)

// Init opens logs/audit.jsonl under logDir, creating the directory if
// needed. Calling Init more than once is a no-op.
func Init(logDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB additionally persists every recorded event into the audit_log table
// of db (typically the main store's connection, via store.Store.DB).
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// Close closes the JSONL sink, if open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns how many times Record has been called with kind since
// startup. Tests use this to assert on auto-escalation and blacklist-hit
// counts without parsing the JSONL sink.
func Count(kind string) int64 {
	mu.Lock()
	defer mu.Unlock()
	return counts[kind]
}

// Record logs one operator-relevant event. detail is redacted before
// persistence since it may echo user-supplied text.
func Record(kind, username, detail string) {
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	counts[kind]++

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Kind:      kind,
			Username:  username,
			Detail:    detail,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (kind, username, detail, created_at)
			VALUES (?, ?, ?, ?);
		`, kind, username, detail, time.Now().UTC())
	}
}

// Reset clears in-memory counters. Test-only helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	counts = map[string]int64{}
}
