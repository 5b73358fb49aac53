// Package session implements the per-user conversational FSM (spec §4.6):
// one instance per active user, owning its task queue, pending task,
// last-message, last-auth snapshot, and escalation deadline. It is grounded
// directly on the original securitybot's user.py, state-for-state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dropbox/securitybot/internal/auth"
	"github.com/dropbox/securitybot/internal/bizhours"
	"github.com/dropbox/securitybot/internal/fsm"
	"github.com/dropbox/securitybot/internal/model"
)

const (
	// EscalationTime is how long a session waits for a response before
	// silently auto-escalating a task to human review.
	EscalationTime = 2 * time.Hour
	// BackoffTime is how long a confirmed-performed alert's title is
	// suppressed for its user afterward.
	BackoffTime = 21 * time.Hour
	// oldTasksCapacity bounds the completed-task history ring used by the
	// `ignore last` command (spec §9 open question — the original tracks no
	// such ring at all).
	oldTasksCapacity = 8
)

// TaskStore is the subset of the task store a session needs.
type TaskStore interface {
	SetVerifying(ctx context.Context, task model.Task) error
}

// SuppressionStore is the subset of the suppression store a session needs.
type SuppressionStore interface {
	IsIgnored(ctx context.Context, username, title string) (bool, error)
	Ignored(ctx context.Context, username string) (map[string]string, error)
	Ignore(ctx context.Context, username, title, reason string, ttl time.Duration) error
}

// Callbacks is the back-reference a session holds into its coordinator,
// passed at construction per spec §9 ("implement as an interface the
// session consumes... never a mutual ownership cycle").
type Callbacks interface {
	// AlertUser renders and sends the initial alert prompt for task.
	AlertUser(s *Session, task model.Task)
	// SendMessage sends the named template (messages.yaml key) to the user.
	SendMessage(s *Session, key string)
	// Report posts an operator-visible message about a non-performed or
	// escalated task to the configured reporting channel, if any.
	Report(s *Session, task model.Task, comment string)
	// Cleanup removes the session from the coordinator's active set once
	// its queue is empty and it returns to need_task.
	Cleanup(s *Session)
}

// Session is one user's live conversation state.
type Session struct {
	User   model.ChatUser
	auth   auth.Auth
	cb     Callbacks
	tasks  TaskStore
	supp   SuppressionStore
	logger *slog.Logger

	queue       []model.Task
	pendingTask *model.Task
	oldTasks    []model.Task

	lastMessage model.Answer
	lastAuth    model.AuthState

	escalationDeadline time.Time

	fsm *fsm.Machine
	ctx context.Context
}

// States, exported so the coordinator and tests can assert on them without
// magic strings.
const (
	StateNeedTask             = "need_task"
	StateActionPerformedCheck = "action_performed_check"
	StateAuthPermissionCheck  = "auth_permission_check"
	StateWaitingOnAuth        = "waiting_on_auth"
	StateTaskFinished         = "task_finished"
)

// New constructs a session for user, wiring the exact transition table of
// spec §4.6 / user.py in declaration order (overlapping guards rely on
// first-match-wins evaluation order — never reorder these).
func New(user model.ChatUser, authenticator auth.Auth, cb Callbacks, tasks TaskStore, supp SuppressionStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		User:               user,
		auth:               authenticator,
		cb:                 cb,
		tasks:              tasks,
		supp:               supp,
		logger:             logger,
		escalationDeadline: time.Unix(1<<62, 0),
		ctx:                context.Background(),
	}

	machine, err := fsm.New(fsm.Config{
		States: []string{
			StateNeedTask,
			StateActionPerformedCheck,
			StateAuthPermissionCheck,
			StateWaitingOnAuth,
			StateTaskFinished,
		},
		Initial: StateNeedTask,
		Transitions: []fsm.Transition{
			{Source: StateNeedTask, Dest: StateActionPerformedCheck, Condition: s.hasTasks},
			{Source: StateActionPerformedCheck, Dest: StateTaskFinished, Condition: s.alreadyAuthed},
			{Source: StateActionPerformedCheck, Dest: StateTaskFinished, Condition: s.cannot2FA, Action: func() { s.sendMessage("no_2fa") }},
			{Source: StateActionPerformedCheck, Dest: StateAuthPermissionCheck, Condition: s.performedAction},
			{Source: StateActionPerformedCheck, Dest: StateTaskFinished, Condition: s.didNotPerformAction, Action: s.actOnNotPerformed},
			{Source: StateActionPerformedCheck, Dest: StateTaskFinished, Condition: s.slowResponseTime, Action: s.autoEscalate},
			{Source: StateAuthPermissionCheck, Dest: StateWaitingOnAuth, Condition: s.allowsAuthorization},
			{Source: StateAuthPermissionCheck, Dest: StateTaskFinished, Condition: s.deniesAuthorization, Action: func() { s.sendMessage("escalated") }},
			{Source: StateAuthPermissionCheck, Dest: StateTaskFinished, Condition: s.slowResponseTime, Action: s.autoEscalate},
			{Source: StateWaitingOnAuth, Dest: StateTaskFinished, Condition: s.authCompleted},
			{Source: StateTaskFinished, Dest: StateNeedTask},
		},
		During: map[string]fsm.Hook{
			StateWaitingOnAuth: s.updateAuth,
		},
		OnEnter: map[string]fsm.Hook{
			StateAuthPermissionCheck: func() { s.sendMessage("2fa") },
			StateWaitingOnAuth:       s.beginAuth,
		},
		OnExit: map[string]fsm.Hook{
			StateNeedTask:             s.nextTask,
			StateActionPerformedCheck: s.updateTaskResponse,
			StateAuthPermissionCheck:  s.resetMessage,
			StateWaitingOnAuth:        s.updateTaskAuth,
			StateTaskFinished:         s.completeTask,
		},
	})
	if err != nil {
		// Every state/transition above is a compile-time-known literal;
		// a construction error here means the table itself is broken.
		panic(fmt.Sprintf("session: invalid fsm definition: %v", err))
	}
	s.fsm = machine
	return s
}

// Step advances the session's FSM by at most one transition.
func (s *Session) Step(ctx context.Context) {
	s.ctx = ctx
	s.fsm.Step()
}

// State returns the session's current FSM state.
func (s *Session) State() string { return s.fsm.Current() }

// PendingTask returns the task currently being conversed about, if any.
func (s *Session) PendingTask() *model.Task { return s.pendingTask }

// Guards

func (s *Session) hasTasks() bool { return len(s.queue) != 0 }

func (s *Session) performedAction() bool { return s.lastMessage.IsSet() && s.lastMessage.IsYes() }

func (s *Session) didNotPerformAction() bool { return s.lastMessage.IsSet() && s.lastMessage.IsNo() }

func (s *Session) allowsAuthorization() bool { return s.performedAction() }

func (s *Session) deniesAuthorization() bool { return s.didNotPerformAction() }

func (s *Session) alreadyAuthed() bool {
	if !s.performedAction() {
		return false
	}
	state, err := s.auth.Status()
	if err != nil {
		s.logger.Error("session: auth status failed", "user", s.User.Name, "error", err)
		return false
	}
	return state == model.AuthAuthorized
}

func (s *Session) cannot2FA() bool {
	if !s.performedAction() {
		return false
	}
	can, err := s.auth.CanAuth()
	if err != nil {
		s.logger.Error("session: can_auth failed", "user", s.User.Name, "error", err)
		return false
	}
	return !can
}

func (s *Session) slowResponseTime() bool { return time.Now().After(s.escalationDeadline) }

func (s *Session) authCompleted() bool {
	return s.lastAuth == model.AuthAuthorized || s.lastAuth == model.AuthDenied
}

// During hook

func (s *Session) updateAuth() {
	state, err := s.auth.Status()
	if err != nil {
		s.logger.Error("session: auth status poll failed", "user", s.User.Name, "error", err)
		return
	}
	s.lastAuth = state
}

// Actions

func (s *Session) autoEscalate() {
	task := s.pendingTask
	s.logger.Info("session: silently escalating", "user", s.User.Name, "title", task.Title)
	task.Comment += "Automatically escalated. No response received."
	task.Status = model.StatusAwaitingVerification
	if err := s.tasks.SetVerifying(s.ctx, *task); err != nil {
		s.logger.Error("session: set_verifying failed during auto-escalation", "error", err)
	}
	s.escalationDeadline = time.Unix(1<<62, 0)
	s.sendMessage("no_response")
}

func (s *Session) actOnNotPerformed() {
	s.sendMessage("escalated")
	comment := s.lastMessage.Text()
	if comment == "" {
		comment = "No comment provided."
	}
	s.cb.Report(s, *s.pendingTask, blockquote(comment))
}

// Exit hooks

func (s *Session) updateTaskResponse() {
	if s.lastMessage.IsSet() {
		s.pendingTask.Performed = s.lastMessage.IsYes()
		s.pendingTask.Comment = s.lastMessage.Text()
	}
	s.resetMessage()
}

func (s *Session) updateTaskAuth() {
	if s.lastAuth == model.AuthAuthorized {
		s.sendMessage("good_auth")
		s.pendingTask.Authenticated = true
	} else {
		s.sendMessage("bad_auth")
		s.auth.Reset()
		s.pendingTask.Authenticated = false
	}
}

func (s *Session) resetMessage() { s.lastMessage = model.UnsetAnswer }

// Task queue management

// AddTask appends a task to the queue and immediately runs the suppression
// sweep (spec §4.6 "Queue maintenance"), matching user.py's add_task ->
// _update_tasks call.
func (s *Session) AddTask(task model.Task) {
	s.queue = append(s.queue, task)
	s.sweepSuppressed()
}

func (s *Session) sweepSuppressed() {
	ignored, err := s.supp.Ignored(s.ctx, s.User.Name)
	if err != nil {
		s.logger.Error("session: suppression lookup failed", "user", s.User.Name, "error", err)
		return
	}
	kept := s.queue[:0]
	for _, task := range s.queue {
		if reason, isIgnored := ignored[task.Title]; isIgnored {
			s.logger.Info("session: ignoring task", "user", s.User.Name, "title", task.Title)
			task.Comment = reason
			task.Status = model.StatusAwaitingVerification
			if err := s.tasks.SetVerifying(s.ctx, task); err != nil {
				s.logger.Error("session: set_verifying failed for ignored task", "error", err)
			}
			continue
		}
		kept = append(kept, task)
	}
	s.queue = kept
}

func (s *Session) nextTask() {
	task := s.queue[0]
	s.queue = s.queue[1:]
	s.pendingTask = &task
	s.cb.AlertUser(s, task)
	s.resetMessage()
	s.escalationDeadline = bizhours.Expiration(time.Now(), EscalationTime)
	s.logger.Info("session: beginning task", "user", s.User.Name, "title", task.Title)
}

func (s *Session) completeTask() {
	task := *s.pendingTask
	if task.Performed {
		if err := s.supp.Ignore(s.ctx, s.User.Name, task.Title, "auto backoff after confirmation", BackoffTime); err != nil {
			s.logger.Error("session: backoff suppression insert failed", "error", err)
		}
	}
	task.Status = model.StatusAwaitingVerification
	if err := s.tasks.SetVerifying(s.ctx, task); err != nil {
		s.logger.Error("session: set_verifying failed on completion", "error", err)
	}

	s.oldTasks = append(s.oldTasks, task)
	if len(s.oldTasks) > oldTasksCapacity {
		s.oldTasks = s.oldTasks[len(s.oldTasks)-oldTasksCapacity:]
	}

	s.pendingTask = nil
	s.resetMessage()
	s.sweepSuppressed()
	if len(s.queue) != 0 {
		s.sendMessage("bwtm")
	} else {
		s.sendMessage("bye")
		s.cb.Cleanup(s)
	}
}

// Authorization

func (s *Session) beginAuth() {
	s.sendMessage("sending_push")
	if err := s.auth.Begin(s.pendingTask.Description); err != nil {
		s.logger.Error("session: begin auth failed", "user", s.User.Name, "error", err)
	}
}

// Messaging

func (s *Session) sendMessage(key string) { s.cb.SendMessage(s, key) }

// PositiveResponse records an affirmative answer, satisfying guards 2/3/4/7.
func (s *Session) PositiveResponse(text string) { s.lastMessage = model.Yes(text) }

// NegativeResponse records a negative answer, satisfying guards 5/8.
func (s *Session) NegativeResponse(text string) { s.lastMessage = model.No(text) }

// LastOldTask returns the most recently completed task, for `ignore last`.
func (s *Session) LastOldTask() (model.Task, bool) {
	if len(s.oldTasks) == 0 {
		return model.Task{}, false
	}
	return s.oldTasks[len(s.oldTasks)-1], true
}

func blockquote(text string) string {
	lines := splitLines(text)
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += "> " + line
	}
	return out
}

func splitLines(text string) []string {
	var lines []string
	start := 0
	for i, r := range text {
		if r == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	lines = append(lines, text[start:])
	return lines
}
