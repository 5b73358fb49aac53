// Package auth defines the per-user 2FA adapter contract (spec §4.2) and a
// push-based HTTP implementation grounded on the preauth/push/poll-by-txid
// shape of Duo's API, as used by the original securitybot's auth/duo.py.
package auth

import (
	"sync"
	"time"

	"github.com/dropbox/securitybot/internal/model"
)

// Auth is implemented non-blockingly: Begin must return immediately and
// leave the real work to a background poll observed through Status.
type Auth interface {
	// CanAuth reports whether the user has a push-capable device enrolled.
	CanAuth() (bool, error)
	// Begin starts a challenge carrying an optional human-readable reason.
	Begin(reason string) error
	// Status polls the current auth state. A successful AUTHORIZED
	// observation decays back to NONE after model.AuthTTL.
	Status() (model.AuthState, error)
	// Reset forces the state back to NONE and clears any cached success.
	Reset()
}

// Builder constructs a per-user Auth instance, mirroring the original's
// `duo_builder = lambda name: DuoAuth(duo_api, name)` pattern: the
// coordinator holds one Builder and lazily creates one Auth per session.
type Builder func(username string) Auth

// decayingState is the shared bookkeeping every push-based Auth
// implementation needs: an observed state plus the timestamp AUTHORIZED was
// last confirmed, so Status can decay it after model.AuthTTL.
type decayingState struct {
	mu       sync.Mutex
	state    model.AuthState
	authTime time.Time
}

func (d *decayingState) set(s model.AuthState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	if s == model.AuthAuthorized {
		d.authTime = time.Now()
	}
}

func (d *decayingState) get() model.AuthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == model.AuthAuthorized && time.Since(d.authTime) >= model.AuthTTL {
		d.state = model.AuthNone
	}
	return d.state
}

func (d *decayingState) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = model.AuthNone
	d.authTime = time.Time{}
}
