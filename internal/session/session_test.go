package session

import (
	"context"
	"testing"
	"time"

	"github.com/dropbox/securitybot/internal/auth"
	"github.com/dropbox/securitybot/internal/model"
)

type fakeTaskStore struct {
	verified []model.Task
}

func (f *fakeTaskStore) SetVerifying(_ context.Context, task model.Task) error {
	f.verified = append(f.verified, task)
	return nil
}

type fakeSuppressionStore struct {
	ignored map[string]map[string]string
	inserts []model.SuppressionEntry
}

func newFakeSuppressionStore() *fakeSuppressionStore {
	return &fakeSuppressionStore{ignored: map[string]map[string]string{}}
}

func (f *fakeSuppressionStore) IsIgnored(_ context.Context, username, title string) (bool, error) {
	_, ok := f.ignored[username][title]
	return ok, nil
}

func (f *fakeSuppressionStore) Ignored(_ context.Context, username string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range f.ignored[username] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSuppressionStore) Ignore(_ context.Context, username, title, reason string, ttl time.Duration) error {
	if f.ignored[username] == nil {
		f.ignored[username] = map[string]string{}
	}
	f.ignored[username][title] = reason
	f.inserts = append(f.inserts, model.SuppressionEntry{Username: username, Title: title, Reason: reason})
	return nil
}

type fakeCallbacks struct {
	sent         []string
	alerted      []model.Task
	reports      []string
	reportTasks  []model.Task
	cleanedUp    bool
}

func (f *fakeCallbacks) AlertUser(s *Session, task model.Task) { f.alerted = append(f.alerted, task) }
func (f *fakeCallbacks) SendMessage(s *Session, key string)    { f.sent = append(f.sent, key) }
func (f *fakeCallbacks) Report(s *Session, task model.Task, comment string) {
	f.reports = append(f.reports, comment)
	f.reportTasks = append(f.reportTasks, task)
}
func (f *fakeCallbacks) Cleanup(s *Session) { f.cleanedUp = true }

func newTestSession(t *testing.T, canAuth bool) (*Session, *auth.Fake, *fakeTaskStore, *fakeSuppressionStore, *fakeCallbacks) {
	t.Helper()
	fakeAuth := &auth.Fake{CanAuthValue: canAuth}
	tasks := &fakeTaskStore{}
	supp := newFakeSuppressionStore()
	cb := &fakeCallbacks{}
	s := New(model.ChatUser{ID: 1, Name: "alice"}, fakeAuth, cb, tasks, supp, nil)
	return s, fakeAuth, tasks, supp, cb
}

func seedTask(s *Session) model.Task {
	task := model.Task{Username: "alice", Title: "ssh_root", Description: "ssh as root", URL: "https://securitybot.example/tasks/ssh_root"}
	s.AddTask(task)
	return task
}

// Scenario 1: happy 2FA path.
func TestHappy2FAPath(t *testing.T) {
	s, fakeAuth, tasks, supp, cb := newTestSession(t, true)
	seedTask(s)

	s.Step(context.Background()) // need_task -> action_performed_check (and enters: alert sent via nextTask on exit of need_task... actually on_exit(need_task) runs nextTask before switching)
	if s.State() != StateActionPerformedCheck {
		t.Fatalf("state = %s, want %s", s.State(), StateActionPerformedCheck)
	}
	if len(cb.alerted) != 1 {
		t.Fatalf("expected alert sent, got %d", len(cb.alerted))
	}

	s.PositiveResponse("I did this")
	s.Step(context.Background()) // action_performed_check -> auth_permission_check
	if s.State() != StateAuthPermissionCheck {
		t.Fatalf("state = %s, want %s", s.State(), StateAuthPermissionCheck)
	}

	s.PositiveResponse("yes")
	s.Step(context.Background()) // auth_permission_check -> waiting_on_auth
	if s.State() != StateWaitingOnAuth {
		t.Fatalf("state = %s, want %s", s.State(), StateWaitingOnAuth)
	}
	if len(fakeAuth.BeginCalls) != 1 || fakeAuth.BeginCalls[0] != "ssh as root" {
		t.Fatalf("unexpected begin calls: %v", fakeAuth.BeginCalls)
	}

	fakeAuth.State = model.AuthAuthorized
	s.Step(context.Background()) // waiting_on_auth -> task_finished
	if s.State() != StateTaskFinished {
		t.Fatalf("state = %s, want %s", s.State(), StateTaskFinished)
	}

	s.Step(context.Background()) // task_finished -> need_task
	if s.State() != StateNeedTask {
		t.Fatalf("state = %s, want %s", s.State(), StateNeedTask)
	}

	if len(tasks.verified) != 1 {
		t.Fatalf("expected one verified task, got %d", len(tasks.verified))
	}
	got := tasks.verified[0]
	if !got.Performed || !got.Authenticated || got.Comment != "I did this" {
		t.Fatalf("unexpected verified task: %+v", got)
	}
	if _, ok := supp.ignored["alice"]["ssh_root"]; !ok {
		t.Fatal("expected suppression entry inserted on confirmed completion")
	}
	if !cb.cleanedUp {
		t.Fatal("expected session cleanup once queue empties")
	}
}

// Scenario 2: deny path.
func TestDenyPath(t *testing.T) {
	s, _, tasks, supp, cb := newTestSession(t, true)
	seedTask(s)

	s.Step(context.Background())
	s.NegativeResponse("I did not")
	s.Step(context.Background())
	if s.State() != StateTaskFinished {
		t.Fatalf("state = %s, want %s", s.State(), StateTaskFinished)
	}
	found := false
	for _, k := range cb.sent {
		if k == "escalated" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected escalated message sent")
	}
	if len(cb.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(cb.reports))
	}
	if len(cb.reportTasks) != 1 || cb.reportTasks[0].URL != "https://securitybot.example/tasks/ssh_root" {
		t.Fatalf("expected reported task to carry its URL, got %+v", cb.reportTasks)
	}

	s.Step(context.Background())
	if len(tasks.verified) != 1 || tasks.verified[0].Performed || tasks.verified[0].Authenticated {
		t.Fatalf("unexpected verified task: %+v", tasks.verified)
	}
	if len(supp.inserts) != 0 {
		t.Fatal("expected no suppression entry on denial")
	}
}

// Scenario 3: no 2FA capability.
func TestNo2FACapability(t *testing.T) {
	s, _, tasks, _, cb := newTestSession(t, false)
	seedTask(s)

	s.Step(context.Background())
	s.PositiveResponse("yes")
	s.Step(context.Background())
	if s.State() != StateTaskFinished {
		t.Fatalf("state = %s, want %s", s.State(), StateTaskFinished)
	}
	found := false
	for _, k := range cb.sent {
		if k == "no_2fa" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected no_2fa message sent")
	}
	s.Step(context.Background())
	if len(tasks.verified) != 1 || !tasks.verified[0].Performed || tasks.verified[0].Authenticated {
		t.Fatalf("unexpected verified task: %+v", tasks.verified)
	}
}

// Scenario 4: already authed.
func TestAlreadyAuthed(t *testing.T) {
	s, fakeAuth, _, _, _ := newTestSession(t, true)
	fakeAuth.State = model.AuthAuthorized
	seedTask(s)

	s.Step(context.Background())
	s.PositiveResponse("yes")
	s.Step(context.Background())
	if s.State() != StateTaskFinished {
		t.Fatalf("state = %s, want %s", s.State(), StateTaskFinished)
	}
	if len(fakeAuth.BeginCalls) != 0 {
		t.Fatal("expected no challenge issued when already authed")
	}
}

// Scenario 5: auto-escalation.
func TestAutoEscalation(t *testing.T) {
	s, _, tasks, _, cb := newTestSession(t, true)
	seedTask(s)
	s.Step(context.Background()) // enters action_performed_check
	s.escalationDeadline = time.Now().Add(-time.Second)

	s.Step(context.Background())
	if s.State() != StateTaskFinished {
		t.Fatalf("state = %s, want %s", s.State(), StateTaskFinished)
	}
	if len(tasks.verified) != 1 {
		t.Fatalf("expected escalation to verify task, got %d", len(tasks.verified))
	}
	if tasks.verified[0].Comment == "" {
		t.Fatal("expected escalation comment")
	}
	found := false
	for _, k := range cb.sent {
		if k == "no_response" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected no_response message sent")
	}
}

func TestIgnoredTaskNeverEntersSession(t *testing.T) {
	s, _, tasks, supp, cb := newTestSession(t, true)
	supp.ignored["alice"] = map[string]string{"ssh_root": "ignored"}

	seedTask(s)
	if len(s.queue) != 0 {
		t.Fatal("expected task to be swept before entering the queue")
	}
	if len(tasks.verified) != 1 || tasks.verified[0].Comment != "ignored" {
		t.Fatalf("unexpected verified tasks: %+v", tasks.verified)
	}
	if len(cb.alerted) != 0 {
		t.Fatal("expected no alert to be sent for a suppressed task")
	}
}
