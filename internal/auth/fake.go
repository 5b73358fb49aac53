package auth

import "github.com/dropbox/securitybot/internal/model"

// Fake is an in-memory Auth used by session/coordinator tests, standing in
// for a real push-2FA backend.
type Fake struct {
	CanAuthValue bool
	State        model.AuthState
	BeginCalls   []string
	ResetCalls   int
}

func (f *Fake) CanAuth() (bool, error) { return f.CanAuthValue, nil }

func (f *Fake) Begin(reason string) error {
	f.BeginCalls = append(f.BeginCalls, reason)
	f.State = model.AuthPending
	return nil
}

func (f *Fake) Status() (model.AuthState, error) { return f.State, nil }

func (f *Fake) Reset() {
	f.ResetCalls++
	f.State = model.AuthNone
}

// NewFakeBuilder returns a Builder producing a fresh *Fake per username,
// keyed so a test can reach into a specific user's fake after construction.
func NewFakeBuilder(byUser map[string]*Fake) Builder {
	return func(username string) Auth {
		if f, ok := byUser[username]; ok {
			return f
		}
		f := &Fake{}
		byUser[username] = f
		return f
	}
}
