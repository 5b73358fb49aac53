package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropbox/securitybot/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "securitybot.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndNewTasks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	hash, err := s.Create(ctx, CreateOptions{
		Title: "ssh_root", Username: "alice", Description: "ssh as root", Reason: "detected root login",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tasks, err := s.NewTasks(ctx)
	if err != nil {
		t.Fatalf("NewTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].Hash != hash || tasks[0].Username != "alice" || tasks[0].Status != model.StatusOpen {
		t.Fatalf("unexpected task: %+v", tasks[0])
	}
}

func TestCreateRejectsHashCollision(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	var h model.Hash
	h[0] = 1

	if _, err := s.Create(ctx, CreateOptions{Title: "t", Username: "u", Description: "d", Reason: "r", Hash: &h}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := s.Create(ctx, CreateOptions{Title: "t2", Username: "u", Description: "d", Reason: "r", Hash: &h}); err != ErrHashCollision {
		t.Fatalf("got %v, want ErrHashCollision", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	hash, err := s.Create(ctx, CreateOptions{Title: "t", Username: "u", Description: "d", Reason: "r"})
	if err != nil {
		t.Fatal(err)
	}
	task := model.Task{Hash: hash}

	if err := s.SetInProgress(ctx, task); err != nil {
		t.Fatal(err)
	}
	active, err := s.ActiveTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}

	task.Performed = true
	task.Comment = "done"
	task.Authenticated = true
	if err := s.SetVerifying(ctx, task); err != nil {
		t.Fatal(err)
	}
	pending, err := s.PendingTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || !pending[0].Performed || pending[0].Comment != "done" || !pending[0].Authenticated {
		t.Fatalf("unexpected pending task: %+v", pending)
	}
}

func TestSuppressionUpsertAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Ignore(ctx, "alice", "ssh_root", "first", time.Hour); err != nil {
		t.Fatal(err)
	}
	ignored, err := s.IsIgnored(ctx, "alice", "ssh_root")
	if err != nil || !ignored {
		t.Fatalf("IsIgnored = %v, %v; want true, nil", ignored, err)
	}

	// Upsert replaces reason/until.
	if err := s.Ignore(ctx, "alice", "ssh_root", "second", -time.Hour); err != nil {
		t.Fatal(err)
	}
	ignored, err = s.IsIgnored(ctx, "alice", "ssh_root")
	if err != nil {
		t.Fatal(err)
	}
	if ignored {
		t.Fatal("expected entry to be pruned after until has passed")
	}
}

func TestBlacklistAddContainsRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	bl, err := s.NewBlacklist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bl.Contains("alice") {
		t.Fatal("expected empty blacklist")
	}
	if err := bl.Add(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if !bl.Contains("alice") {
		t.Fatal("expected alice to be blacklisted")
	}
	if err := bl.Remove(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if bl.Contains("alice") {
		t.Fatal("expected alice to be removed")
	}
}

func TestBlacklistHydratesFromExistingTable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	bl, err := s.NewBlacklist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := bl.Add(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	bl2, err := s.NewBlacklist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bl2.Contains("bob") {
		t.Fatal("expected fresh Blacklist to rehydrate from the table")
	}
}
