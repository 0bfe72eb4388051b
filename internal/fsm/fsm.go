// Package fsm provides a small table-driven state machine with timed
// states. Transitions are declared up front; firing an event not in the
// table is an error, never a silent no-op. States may carry a timer
// that fires a follow-up event after a delay; every transition bumps a
// generation counter and a timer firing checks its generation first, so
// a timer scheduled in an abandoned state can never act on a later one.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/logging"
)

// State is a named machine state.
type State string

// Event is a named transition trigger.
type Event string

// ErrInvalidTransition is returned when the current state has no
// transition for the fired event.
var ErrInvalidTransition = errors.New("fsm: invalid transition")

// Transition describes one applied state change, as passed to entry
// hooks.
type Transition struct {
	From  State
	To    State
	Event Event
	At    time.Time
	Gen   uint64
}

// Hook runs on entry to a state, after the transition is applied and
// outside the machine lock. Hooks that cause side effects must be
// idempotent per entry: the machine guarantees at-most-once invocation
// per transition, not per wall-clock situation.
type Hook func(ctx context.Context, tr Transition)

// timerSpec schedules an event some delay after entering a state.
type timerSpec struct {
	after time.Duration
	fire  Event
}

// Machine is a single state machine instance. Safe for concurrent use.
type Machine struct {
	name string
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	pending *time.Timer

	table   map[State]map[Event]State
	dynamic map[State]map[Event]func() State
	timers  map[State]timerSpec
	onEnter map[State][]Hook
	onAny   []Hook
}

// New creates a machine in the given initial state. Transitions, timers,
// and hooks are declared before the machine starts receiving events.
func New(name string, initial State) *Machine {
	return &Machine{
		name:    name,
		log:     logging.Component("fsm").With().Str("machine", name).Logger(),
		state:   initial,
		table:   make(map[State]map[Event]State),
		dynamic: make(map[State]map[Event]func() State),
		timers:  make(map[State]timerSpec),
		onEnter: make(map[State][]Hook),
	}
}

// AddTransition declares that event moves the machine from one state to
// another.
func (m *Machine) AddTransition(from State, event Event, to State) *Machine {
	if m.table[from] == nil {
		m.table[from] = make(map[Event]State)
	}
	m.table[from][event] = to
	return m
}

// AddDynamic declares a transition whose target is resolved at fire
// time. Used for parameterized states: a pending-exit countdown lands
// on whichever armed state the controller is heading for. The resolver
// is called under the machine lock and must not call back into it.
func (m *Machine) AddDynamic(from State, event Event, resolve func() State) *Machine {
	if m.dynamic[from] == nil {
		m.dynamic[from] = make(map[Event]func() State)
	}
	m.dynamic[from][event] = resolve
	return m
}

// OnTransition registers a hook invoked on every transition, before the
// entered state's own hooks.
func (m *Machine) OnTransition(hook Hook) *Machine {
	m.onAny = append(m.onAny, hook)
	return m
}

// SetTimer declares that entering state schedules event after the given
// delay. The timer is implicitly cancelled by any transition out of the
// state: the generation it was scheduled under no longer matches.
func (m *Machine) SetTimer(state State, after time.Duration, event Event) *Machine {
	m.timers[state] = timerSpec{after: after, fire: event}
	return m
}

// OnEnter registers a hook invoked each time the machine enters state.
func (m *Machine) OnEnter(state State, hook Hook) *Machine {
	m.onEnter[state] = append(m.onEnter[state], hook)
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the current transition generation. Mostly useful
// in tests asserting timer staleness behavior.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Fire applies an event. On an invalid event for the current state it
// returns ErrInvalidTransition (wrapped with detail) and changes
// nothing.
func (m *Machine) Fire(ctx context.Context, event Event) (State, error) {
	m.mu.Lock()

	to, ok := m.resolveLocked(event)
	if !ok {
		from := m.state
		m.mu.Unlock()
		return from, fmt.Errorf("%w: %s has no %q in state %q", ErrInvalidTransition, m.name, event, from)
	}

	tr := m.applyLocked(event, to)
	hooks := m.hooksFor(to)
	m.mu.Unlock()

	m.log.Info().
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("event", string(event)).
		Msg("transition")

	for _, h := range hooks {
		h(ctx, tr)
	}
	return to, nil
}

// resolveLocked finds the target state for an event, consulting the
// static table first and the dynamic resolvers second.
func (m *Machine) resolveLocked(event Event) (State, bool) {
	if to, ok := m.table[m.state][event]; ok {
		return to, true
	}
	if resolve, ok := m.dynamic[m.state][event]; ok {
		return resolve(), true
	}
	return "", false
}

// hooksFor collects the hooks to run for entering a state, global hooks
// first.
func (m *Machine) hooksFor(to State) []Hook {
	hooks := make([]Hook, 0, len(m.onAny)+len(m.onEnter[to]))
	hooks = append(hooks, m.onAny...)
	hooks = append(hooks, m.onEnter[to]...)
	return hooks
}

// applyLocked performs the state change, bumps the generation, stops
// any pending timer, and schedules the new state's timer if declared.
func (m *Machine) applyLocked(event Event, to State) Transition {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}

	m.gen++
	tr := Transition{From: m.state, To: to, Event: event, At: time.Now(), Gen: m.gen}
	m.state = to

	if spec, ok := m.timers[to]; ok {
		gen := m.gen
		m.pending = time.AfterFunc(spec.after, func() {
			m.fireTimed(spec.fire, gen)
		})
	}
	return tr
}

// fireTimed delivers a timer event, discarding it when the machine has
// moved on since the timer was scheduled.
func (m *Machine) fireTimed(event Event, gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.log.Debug().
			Str("event", string(event)).
			Uint64("timer_gen", gen).
			Msg("stale timer discarded")
		return
	}

	to, ok := m.resolveLocked(event)
	if !ok {
		from := m.state
		m.mu.Unlock()
		m.log.Warn().
			Str("event", string(event)).
			Str("state", string(from)).
			Msg("timer event has no transition from current state")
		return
	}

	tr := m.applyLocked(event, to)
	hooks := m.hooksFor(to)
	m.mu.Unlock()

	m.log.Info().
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("event", string(event)).
		Msg("timed transition")

	for _, h := range hooks {
		h(context.Background(), tr)
	}
}

// Stop cancels any pending timer. The machine remains usable; Stop is
// for orderly shutdown, not a terminal state.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	// Invalidate in-flight timer callbacks that already fired but have
	// not taken the lock yet.
	m.gen++
}
