// Package model holds the data types shared across the security-triage
// service: alerts/tasks, suppression and blacklist entries, and the
// tri-state answer a user gives in chat.
package model

import "time"

// Status is the lifecycle state of a Task, persisted in alert_status.
type Status uint8

const (
	StatusOpen Status = iota
	StatusInProgress
	StatusAwaitingVerification
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusInProgress:
		return "in_progress"
	case StatusAwaitingVerification:
		return "awaiting_verification"
	default:
		return "unknown"
	}
}

// Hash is the opaque 32-byte alert identity. It is rendered as hex at every
// interface boundary (chat text, SQL HEX()/UNHEX()).
type Hash [32]byte

func (h Hash) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(h)*2)
	for i, b := range h {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// Task is one detection event directed at one end user (spec's Alert/Task).
type Task struct {
	Hash          Hash
	Username      string
	Title         string
	Description   string
	Reason        string
	URL           string
	EventTime     time.Time
	Status        Status
	Performed     bool
	Comment       string
	Authenticated bool
}

// SuppressionEntry is a per-(username,title) ignore window.
type SuppressionEntry struct {
	Username string
	Title    string
	Reason   string
	Until    time.Time
}

// Answer is the tri-state response a user gives to "did you do this?". The
// zero value is Unset and must never be confused with an empty-text Yes/No
// — conflating "no answer yet" with "answered, no comment" is the single
// easiest correctness bug in this FSM.
type Answer struct {
	state answerState
	text  string
}

type answerState uint8

const (
	answerUnset answerState = iota
	answerYes
	answerNo
)

// UnsetAnswer is the zero-value "no response yet" answer.
var UnsetAnswer = Answer{}

// Yes builds a positive answer carrying the accompanying free text.
func Yes(text string) Answer { return Answer{state: answerYes, text: text} }

// No builds a negative answer carrying the accompanying free text.
func No(text string) Answer { return Answer{state: answerNo, text: text} }

// IsSet reports whether the user has answered at all.
func (a Answer) IsSet() bool { return a.state != answerUnset }

// IsYes reports whether the answer is an affirmative one.
func (a Answer) IsYes() bool { return a.state == answerYes }

// IsNo reports whether the answer is a negative one.
func (a Answer) IsNo() bool { return a.state == answerNo }

// Text returns the free text accompanying the answer, or "" if unset.
func (a Answer) Text() string { return a.text }

// AuthState mirrors the Auth adapter's per-user 2FA state.
type AuthState uint8

const (
	AuthNone AuthState = iota
	AuthPending
	AuthAuthorized
	AuthDenied
)

func (s AuthState) String() string {
	switch s {
	case AuthNone:
		return "none"
	case AuthPending:
		return "pending"
	case AuthAuthorized:
		return "authorized"
	case AuthDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// AuthTTL is how long a successful AUTHORIZED observation remains valid
// before decaying back to NONE (spec §4.2).
const AuthTTL = 2 * time.Hour

// ChatUser is the opaque record the chat adapter hands back for roster
// enumeration and message routing.
type ChatUser struct {
	ID        int64
	Name      string
	FirstName string
}

// DisplayName returns the best name to use when addressing the user.
func (u ChatUser) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Name
}

// Message is one inbound direct message from the chat adapter.
type Message struct {
	UserID int64
	Text   string
}
