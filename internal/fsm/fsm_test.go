package fsm

import "testing"

func TestNewRejectsDuplicateState(t *testing.T) {
	_, err := New(Config{
		States:  []string{"a", "a"},
		Initial: "a",
	})
	if err == nil {
		t.Fatal("expected error for duplicate state")
	}
}

func TestNewRejectsUnknownInitial(t *testing.T) {
	_, err := New(Config{
		States:  []string{"a"},
		Initial: "b",
	})
	if err == nil {
		t.Fatal("expected error for unknown initial state")
	}
}

func TestNewRejectsUnknownTransitionEndpoint(t *testing.T) {
	_, err := New(Config{
		States:      []string{"a"},
		Initial:     "a",
		Transitions: []Transition{{Source: "a", Dest: "b"}},
	})
	if err == nil {
		t.Fatal("expected error for transition to unknown state")
	}
}

func TestStepTakesFirstMatchingGuard(t *testing.T) {
	var taken string
	m, err := New(Config{
		States:  []string{"a", "b", "c"},
		Initial: "a",
		Transitions: []Transition{
			{Source: "a", Dest: "b", Condition: func() bool { return false }},
			{Source: "a", Dest: "c", Condition: func() bool { return true }, Action: func() { taken = "a->c" }},
			{Source: "a", Dest: "b", Condition: func() bool { return true }},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Step()
	if m.Current() != "c" {
		t.Fatalf("current = %q, want c", m.Current())
	}
	if taken != "a->c" {
		t.Fatalf("action not run: %q", taken)
	}
}

func TestStepUnconditionalTransitionIsAlwaysTrue(t *testing.T) {
	m, err := New(Config{
		States:      []string{"a", "b"},
		Initial:     "a",
		Transitions: []Transition{{Source: "a", Dest: "b"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Step()
	if m.Current() != "b" {
		t.Fatalf("current = %q, want b", m.Current())
	}
}

func TestStepNoGuardHoldsStaysPut(t *testing.T) {
	m, err := New(Config{
		States:      []string{"a", "b"},
		Initial:     "a",
		Transitions: []Transition{{Source: "a", Dest: "b", Condition: func() bool { return false }}},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Step()
	if m.Current() != "a" {
		t.Fatalf("current = %q, want a", m.Current())
	}
}

func TestHookOrdering(t *testing.T) {
	var order []string
	m, err := New(Config{
		States:  []string{"a", "b"},
		Initial: "a",
		Transitions: []Transition{
			{Source: "a", Dest: "b", Action: func() { order = append(order, "action") }},
		},
		OnExit:  map[string]Hook{"a": func() { order = append(order, "exit_a") }},
		OnEnter: map[string]Hook{"b": func() { order = append(order, "enter_b") }},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Step()
	want := []string{"action", "exit_a", "enter_b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDuringRunsOnEveryStep(t *testing.T) {
	count := 0
	m, err := New(Config{
		States:      []string{"a"},
		Initial:     "a",
		During:      map[string]Hook{"a": func() { count++ }},
		Transitions: nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Step()
	m.Step()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestSingleTransitionPerStep(t *testing.T) {
	m, err := New(Config{
		States:  []string{"a", "b", "c"},
		Initial: "a",
		Transitions: []Transition{
			{Source: "a", Dest: "b"},
			{Source: "b", Dest: "c"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Step()
	if m.Current() != "b" {
		t.Fatalf("current = %q, want b after one step", m.Current())
	}
	m.Step()
	if m.Current() != "c" {
		t.Fatalf("current = %q, want c after two steps", m.Current())
	}
}
