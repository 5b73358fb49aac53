// Package fsm implements a small declarative finite-state machine: a fixed
// set of named states, an ordered list of guarded transitions, and optional
// per-state during/on_enter/on_exit hooks. Exactly one transition fires per
// Step call — the first transition sourced from the current state whose
// guard passes, in declaration order.
package fsm

import "fmt"

// Condition guards a transition. A nil Condition is treated as always-true.
type Condition func() bool

// Action runs when a transition is taken.
type Action func()

// Hook runs during a state (during) or around a state change (on_enter/on_exit).
type Hook func()

// Transition is one edge in the machine, evaluated in declaration order
// against all edges sharing the same Source.
type Transition struct {
	Source    string
	Dest      string
	Condition Condition
	Action    Action
}

// Config declares a machine: the full state set, the ordered transition
// list, the initial state, and optional per-state hooks.
type Config struct {
	States      []string
	Transitions []Transition
	Initial     string
	During      map[string]Hook
	OnEnter     map[string]Hook
	OnExit      map[string]Hook
}

// Machine is a constructed, runnable instance of Config.
type Machine struct {
	states      map[string]struct{}
	transitions []Transition
	current     string
	during      map[string]Hook
	onEnter     map[string]Hook
	onExit      map[string]Hook
}

// New validates cfg and constructs a Machine positioned at cfg.Initial.
// Construction fails on a duplicate state name, a transition referencing an
// unknown source/dest, or an initial state outside the declared set —
// mirroring state_machine.py's constructor-time validation.
func New(cfg Config) (*Machine, error) {
	states := make(map[string]struct{}, len(cfg.States))
	for _, s := range cfg.States {
		if _, dup := states[s]; dup {
			return nil, fmt.Errorf("fsm: duplicate state %q", s)
		}
		states[s] = struct{}{}
	}
	if _, ok := states[cfg.Initial]; !ok {
		return nil, fmt.Errorf("fsm: unknown initial state %q", cfg.Initial)
	}
	for _, t := range cfg.Transitions {
		if _, ok := states[t.Source]; !ok {
			return nil, fmt.Errorf("fsm: transition from unknown state %q", t.Source)
		}
		if _, ok := states[t.Dest]; !ok {
			return nil, fmt.Errorf("fsm: transition to unknown state %q", t.Dest)
		}
	}
	return &Machine{
		states:      states,
		transitions: cfg.Transitions,
		current:     cfg.Initial,
		during:      cfg.During,
		onEnter:     cfg.OnEnter,
		onExit:      cfg.OnExit,
	}, nil
}

// Current returns the machine's current state.
func (m *Machine) Current() string { return m.current }

// Step performs at most one transition:
//  1. run during(current), if any;
//  2. scan transitions sourced from current in declaration order, take the
//     first whose Condition is nil or returns true;
//  3. on take, run Action, then on_exit(current), switch state, then
//     on_enter(new state).
//
// If no guard holds, the machine remains in its current state.
func (m *Machine) Step() {
	if hook := m.during[m.current]; hook != nil {
		hook()
	}
	for _, t := range m.transitions {
		if t.Source != m.current {
			continue
		}
		if t.Condition != nil && !t.Condition() {
			continue
		}
		if t.Action != nil {
			t.Action()
		}
		if hook := m.onExit[t.Source]; hook != nil {
			hook()
		}
		m.current = t.Dest
		if hook := m.onEnter[t.Dest]; hook != nil {
			hook()
		}
		return
	}
}
