// Package coordinator implements the run loop and per-message command
// dispatch of spec §4.7: task admission, message draining, per-session
// stepping, and the chat command table, grounded directly on the original
// securitybot's bot.py (SecurityBot) and commands.py.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropbox/securitybot/internal/audit"
	"github.com/dropbox/securitybot/internal/auth"
	"github.com/dropbox/securitybot/internal/chat"
	"github.com/dropbox/securitybot/internal/config"
	"github.com/dropbox/securitybot/internal/errs"
	"github.com/dropbox/securitybot/internal/model"
	"github.com/dropbox/securitybot/internal/session"
	"github.com/dropbox/securitybot/internal/store"
	"github.com/dropbox/securitybot/internal/telemetry"
)

// stepInterval is the coordinator's cooperative scheduling tick (spec §5).
const stepInterval = 100 * time.Millisecond

// Tasks is the subset of store.Store the coordinator drives directly.
// NewTasks is polled by an independent cron.Poller (spec §4.7 step 1);
// ActiveTasks is read once at startup for recovery.
type Tasks interface {
	ActiveTasks(ctx context.Context) ([]model.Task, error)
	SetInProgress(ctx context.Context, task model.Task) error
	SetVerifying(ctx context.Context, task model.Task) error
	Create(ctx context.Context, opts store.CreateOptions) (model.Hash, error)
}

// Suppression is the subset of store.Store a session needs, re-exported
// here so Coordinator can be constructed against the interface rather than
// the concrete type.
type Suppression = session.SuppressionStore

// Blacklist is the subset of store.Blacklist the coordinator needs.
type Blacklist interface {
	Contains(username string) bool
	Add(ctx context.Context, username string) error
	Remove(ctx context.Context, username string) error
}

// Config wires a Coordinator's dependencies.
type Config struct {
	Chat        chat.Chat
	Tasks       Tasks
	Suppression Suppression
	Blacklist   Blacklist
	AuthBuilder auth.Builder
	Messages    config.Messages
	Commands    config.CommandTable
	IconURL     string
	// ReportingChannel is the chat channel ID non-performed/escalated
	// tasks are reported to. Zero disables reporting.
	ReportingChannel int64
	Logger           *slog.Logger
	Metrics          *telemetry.Metrics
}

// Coordinator is the 24%-share top-level driver: it owns the roster, the
// active per-user sessions, the command table, and the run loop.
type Coordinator struct {
	chat        chat.Chat
	tasks       Tasks
	supp        Suppression
	blacklist   Blacklist
	authBuilder auth.Builder
	messages    config.Messages
	commands    config.CommandTable
	iconURL     string
	reportChan  int64
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	mu           sync.Mutex
	usersByID    map[int64]model.ChatUser
	usersByName  map[string]model.ChatUser
	sessions     map[int64]*session.Session
	commandNames map[string]struct{}
}

// New constructs a Coordinator. Call Bootstrap before Run to populate the
// roster and recover in-progress tasks.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	commandNames := make(map[string]struct{}, len(cfg.Commands))
	for name := range cfg.Commands {
		commandNames[name] = struct{}{}
	}
	return &Coordinator{
		chat:         cfg.Chat,
		tasks:        cfg.Tasks,
		supp:         cfg.Suppression,
		blacklist:    cfg.Blacklist,
		authBuilder:  cfg.AuthBuilder,
		messages:     cfg.Messages,
		commands:     cfg.Commands,
		iconURL:      cfg.IconURL,
		reportChan:   cfg.ReportingChannel,
		logger:       logger,
		metrics:      cfg.Metrics,
		usersByID:    map[int64]model.ChatUser{},
		usersByName:  map[string]model.ChatUser{},
		sessions:     map[int64]*session.Session{},
		commandNames: commandNames,
	}
}

// Bootstrap connects the chat adapter, loads the roster, and re-admits any
// tasks left IN_PROGRESS by a previous run (spec §4.7 "on startup").
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	if err := c.chat.Connect(ctx); err != nil {
		return errs.Transport("chat", err)
	}
	users, err := c.chat.ListUsers(ctx)
	if err != nil {
		return errs.Transport("chat", err)
	}
	c.mu.Lock()
	for _, u := range users {
		c.usersByID[u.ID] = u
		c.usersByName[u.Name] = u
	}
	c.mu.Unlock()
	c.logger.Info("coordinator: roster loaded", "count", len(users))

	active, err := c.tasks.ActiveTasks(ctx)
	if err != nil {
		return errs.Transport("store", err)
	}
	for _, task := range active {
		c.logger.Info("coordinator: recovering in-progress task", "username", task.Username, "title", task.Title)
		c.Admit(ctx, task)
	}
	return nil
}

// Run drives the cooperative loop: drain messages, step every active
// session, sleep, repeat. Returns when ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.handleMessages(ctx)
			c.stepSessions(ctx)
		}
	}
}

// AdmitTasks is the cron.Poller Handler: it admits every task a poll tick
// surfaced.
func (c *Coordinator) AdmitTasks(ctx context.Context, tasks []model.Task) {
	for _, task := range tasks {
		c.Admit(ctx, task)
	}
}

// Admit runs a single task through the admission pipeline of spec §4.7
// step 1 / bot.py's _add_task: validate the user, short-circuit a
// blacklisted user, greet a newly-active user, then enqueue onto their
// session. A panic while admitting one task is caught and logged rather
// than crashing the run loop for every other task and session (spec §7).
func (c *Coordinator) Admit(ctx context.Context, task model.Task) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator: recovered from panic admitting task", "username", task.Username, "title", task.Title, "panic", r)
			audit.Record(audit.KindPanicRecovered, task.Username, fmt.Sprintf("panic admitting %q: %v", task.Title, r))
		}
	}()
	user, ok := c.validUser(task.Username)
	if !ok {
		c.logger.Warn("coordinator: invalid user on task", "username", task.Username, "title", task.Title)
		audit.Record(audit.KindInvalidUser, task.Username, task.Title)
		task.Comment = "invalid user"
		task.Status = model.StatusAwaitingVerification
		if err := c.tasks.SetVerifying(ctx, task); err != nil {
			c.logger.Error("coordinator: set_verifying failed for invalid user", "error", err)
		}
		return
	}

	if c.blacklist.Contains(user.Name) {
		c.logger.Info("coordinator: ignoring task for blacklisted user", "username", user.Name)
		audit.Record(audit.KindBlacklistHit, user.Name, task.Title)
		task.Comment = "blacklisted"
		task.Status = model.StatusAwaitingVerification
		if err := c.tasks.SetVerifying(ctx, task); err != nil {
			c.logger.Error("coordinator: set_verifying failed for blacklisted user", "error", err)
		}
		return
	}

	sess, isNew := c.sessionFor(user)
	if isNew {
		c.greet(sess)
		if c.metrics != nil {
			c.metrics.SessionsActive.Add(ctx, 1)
		}
	}
	sess.AddTask(task)
	task.Status = model.StatusInProgress
	if err := c.tasks.SetInProgress(ctx, task); err != nil {
		c.logger.Error("coordinator: set_in_progress failed", "error", err)
	}
	if c.metrics != nil {
		c.metrics.TasksAdmitted.Add(ctx, 1)
	}
}

// validUser rejects multi-word usernames and anything not in the roster,
// matching bot.py's valid_user (it also rejects "" via the split check).
func (c *Coordinator) validUser(username string) (model.ChatUser, bool) {
	if len(strings.Fields(username)) != 1 {
		return model.ChatUser{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.usersByName[username]
	return u, ok
}

func (c *Coordinator) sessionFor(user model.ChatUser) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[user.ID]; ok {
		return sess, false
	}
	sess := session.New(user, c.authBuilder(user.Name), c, c.tasks, c.supp, c.logger)
	c.sessions[user.ID] = sess
	return sess, true
}

func (c *Coordinator) greet(sess *session.Session) {
	text := fmt.Sprintf(c.msg("greeting"), sess.User.DisplayName())
	c.chat.SendToUser(sess.User, text)
}

// msg returns the current text for a message key, safe to call while
// SetMessages is swapping in a reloaded config.Messages concurrently.
func (c *Coordinator) msg(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[key]
}

// commandSpec looks up a command by key under the same lock that guards
// SetCommands, so a reload can't race a dispatch mid-lookup.
func (c *Coordinator) commandSpec(key string) (config.CommandSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.commands[key]
	return spec, ok
}

// SetMessages live-swaps the message table, used by the config file
// watcher when messages.yaml changes on disk.
func (c *Coordinator) SetMessages(messages config.Messages) {
	c.mu.Lock()
	c.messages = messages
	c.mu.Unlock()
}

// SetCommands live-swaps the command table and rebuilds the set of
// recognized command names used by isCommand, used by the config file
// watcher when commands.yaml changes on disk.
func (c *Coordinator) SetCommands(commands config.CommandTable) {
	names := make(map[string]struct{}, len(commands))
	for name := range commands {
		names[name] = struct{}{}
	}
	c.mu.Lock()
	c.commands = commands
	c.commandNames = names
	c.mu.Unlock()
}

// commandNameSet returns the snapshot of recognized command names under
// lock, for isCommand's first-token check.
func (c *Coordinator) commandNameSet() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandNames
}

func (c *Coordinator) stepSessions(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		start := time.Now()
		c.stepOne(ctx, sess)
		if c.metrics != nil {
			c.metrics.StepDuration.Record(ctx, time.Since(start).Seconds())
		}
	}
}

// stepOne steps a single session, recovering from a panic so that one
// user's broken step doesn't crash the run loop for everyone else. The
// session is left exactly as it was before the panicking step: Step has
// not returned normally, so none of its state transitions took effect
// (spec §7: "log and continue with that session in its pre-step state").
func (c *Coordinator) stepOne(ctx context.Context, sess *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator: recovered from panic stepping session", "username", sess.User.Name, "panic", r)
			audit.Record(audit.KindPanicRecovered, sess.User.Name, fmt.Sprintf("panic stepping session: %v", r))
		}
	}()
	sess.Step(ctx)
}

func (c *Coordinator) handleMessages(ctx context.Context) {
	for _, msg := range c.chat.DrainMessages() {
		c.mu.Lock()
		user, ok := c.usersByID[msg.UserID]
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("coordinator: message from unknown chat user", "user_id", msg.UserID)
			audit.Record(audit.KindInvalidUser, "", fmt.Sprintf("message from unknown chat id %d", msg.UserID))
			continue
		}
		if isCommand(msg.Text, c.commandNameSet()) {
			c.handleCommand(ctx, user, msg.Text)
		} else {
			c.chat.SendToUser(user, c.msg("bad_command"))
		}
	}
}

func (c *Coordinator) handleCommand(ctx context.Context, user model.ChatUser, raw string) {
	key, args := parseCommand(raw)
	spec, ok := c.commandSpec(key)
	if !ok {
		c.chat.SendToUser(user, c.msg("bad_command"))
		return
	}
	c.logger.Info("coordinator: handling command", "command", key, "username", user.Name)

	if c.blacklist.Contains(user.Name) && spec.Handler != "remove_from_blacklist" {
		audit.Record(audit.KindCommandDenied, user.Name, key)
	}

	success, err := c.dispatch(ctx, spec.Handler, user, args)
	if err != nil {
		c.logger.Error("coordinator: command handler failed", "command", key, "error", err)
	}
	if c.metrics != nil {
		c.metrics.CommandsHandled.Add(ctx, 1)
	}
	if success && spec.Success != "" {
		c.chat.SendToUser(user, spec.Success)
	} else if !success && spec.Failure != "" {
		c.chat.SendToUser(user, spec.Failure)
	}
}

// Session lookups used by command handlers.

func (c *Coordinator) lookupSession(user model.ChatUser) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[user.ID]
	return sess, ok
}

func (c *Coordinator) sortedCommandNames() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// session.Callbacks implementation

func (c *Coordinator) AlertUser(sess *session.Session, task model.Task) {
	reason := blockquote(task.Reason)
	message := fmt.Sprintf(c.msg("alert"), task.Description, reason)
	message += "\n" + c.msg("action_prompt")
	c.chat.SendToUser(sess.User, message)
}

func (c *Coordinator) SendMessage(sess *session.Session, key string) {
	c.chat.SendToUser(sess.User, c.msg(key))
}

func (c *Coordinator) Report(sess *session.Session, task model.Task, comment string) {
	if c.metrics != nil {
		c.metrics.TasksEscalated.Add(context.Background(), 1)
	}
	if c.reportChan == 0 {
		return
	}
	text := fmt.Sprintf(c.msg("report"), sess.User.Name, task.Title, task.Description, task.URL)
	if comment != "" {
		text += "\n" + comment
	}
	c.chat.SendToChannel(c.reportChan, text)
	c.logger.Info("coordinator: reported task", "username", sess.User.Name, "title", task.Title)
}

func (c *Coordinator) Cleanup(sess *session.Session) {
	c.mu.Lock()
	delete(c.sessions, sess.User.ID)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SessionsActive.Add(context.Background(), -1)
	}
}

func blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}
