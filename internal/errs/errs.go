// Package errs classifies the four kinds of failure spec §7 distinguishes
// so the coordinator can decide, per kind, whether to retry, log and
// continue, or treat the failure as a bug: adapter transport errors,
// configuration errors, domain invariant violations, and parser errors.
// Grounded on the teacher's internal/engine/errors.go ErrorClass pattern.
package errs

import "fmt"

// Kind categorizes a failure for the coordinator's handling decision.
type Kind string

const (
	// KindTransport is a recoverable failure talking to an external
	// system: chat API, auth API, or datastore. The coordinator logs and
	// retries or backs off; it never crashes the process.
	KindTransport Kind = "transport"
	// KindConfiguration is a startup-time misconfiguration: a missing
	// required message key, an unknown command handler, a malformed
	// command table. Always fatal at startup.
	KindConfiguration Kind = "configuration"
	// KindInvariant is a violation of a domain invariant the coordinator
	// itself is responsible for preventing: an unrecognized chat user
	// reaching a handler, a blacklisted user's task being admitted, a
	// session observed in an impossible state. Logged and audited, never
	// fatal.
	KindInvariant Kind = "invariant"
	// KindParser is a failure to parse a chat command's arguments, such
	// as an unparseable `ignore` duration. Reported back to the user as
	// a bad_command message, never escalated further.
	KindParser Kind = "parser"
)

// Error wraps an underlying cause with a Kind and the component that
// observed it, so callers can branch on Kind without string-matching
// error messages.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Component, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps err as a KindTransport error from component.
func Transport(component string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Component: component, Err: err}
}

// Configuration wraps err as a KindConfiguration error from component.
func Configuration(component string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindConfiguration, Component: component, Err: err}
}

// Invariant wraps err as a KindInvariant error from component.
func Invariant(component string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInvariant, Component: component, Err: err}
}

// Parser wraps err as a KindParser error from component.
func Parser(component string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindParser, Component: component, Err: err}
}

// As reports the Kind of err if it (or something it wraps) is an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
