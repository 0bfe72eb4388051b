// Package types defines shared types used across all Majordomo modules.
package types

import (
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRUST TIERS
// ═══════════════════════════════════════════════════════════════════════════════

// TrustTier is an ordered classification of a person gating which actions
// they may authorize. Higher values clear more sensitive actions.
type TrustTier int

const (
	TierGuest  TrustTier = iota // Visitor: confined to a room scope
	TierMember                  // Household member
	TierOwner                   // Full control, including security actions
)

// String returns the string representation of a trust tier.
func (t TrustTier) String() string {
	switch t {
	case TierGuest:
		return "guest"
	case TierMember:
		return "member"
	case TierOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Clears reports whether this tier satisfies the required tier.
func (t TrustTier) Clears(required TrustTier) bool {
	return t >= required
}

// ParseTier parses a string into a TrustTier. Unknown strings resolve to
// guest — the most restrictive tier — so a typo in a policy file can only
// ever under-grant, never over-grant.
func ParseTier(s string) (TrustTier, error) {
	switch s {
	case "guest":
		return TierGuest, nil
	case "member":
		return TierMember, nil
	case "owner":
		return TierOwner, nil
	default:
		return TierGuest, fmt.Errorf("unknown trust tier %q", s)
	}
}

// Person is a recognized occupant of the house. Created at guest tier on
// first recognition, mutated only by explicit administration.
type Person struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tier      TrustTier `json:"tier"`
	RoomScope []string  `json:"room_scope,omitempty"` // empty = unrestricted
}

// InScope reports whether the person may act in the given room. An empty
// room scope means no restriction; an empty room on the action side means
// the action is not room-scoped.
func (p Person) InScope(room string) bool {
	if room == "" || len(p.RoomScope) == 0 {
		return true
	}
	for _, r := range p.RoomScope {
		if r == room {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// ActionRequest is a single candidate device-affecting action. It is
// ephemeral: constructed per candidate and discarded after gating. The
// required trust tier is NOT carried here — the gateway resolves it from
// its static action registry so a request cannot frame its own privilege.
type ActionRequest struct {
	Action      string            `json:"action"`
	Args        map[string]string `json:"args,omitempty"`
	RequestedBy Person            `json:"requested_by"`
	Origin      string            `json:"origin"` // subsystem that produced the request
	Room        string            `json:"room,omitempty"`
}

// DispatchReceipt acknowledges a dispatched action.
type DispatchReceipt struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Denial is a structural, non-retryable authorization rejection. It is
// always surfaced to the requester with a specific reason.
type Denial struct {
	Reason string `json:"reason"`
	Action string `json:"action"`
	Person string `json:"person"`
}

// Error implements the error interface.
func (d *Denial) Error() string {
	return fmt.Sprintf("action %q denied for %s: %s", d.Action, d.Person, d.Reason)
}

// Denial reason codes.
const (
	DenyInsufficientTrust = "insufficient_trust"
	DenyOutOfRoomScope    = "out_of_room_scope"
	DenyUnknownPerson     = "unknown_person"
	DenyUnknownAction     = "unknown_action"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STIMULI & SENSOR EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// StimulusKind identifies what woke the orchestrator.
type StimulusKind string

const (
	StimulusUtterance StimulusKind = "utterance" // user said something
	StimulusSensor    StimulusKind = "sensor"    // a sensor changed state
	StimulusTick      StimulusKind = "tick"      // periodic anticipation sweep
	StimulusPattern   StimulusKind = "pattern"   // pattern trigger fired
)

// Stimulus is a single input to the orchestration pipeline.
type Stimulus struct {
	Kind   StimulusKind `json:"kind"`
	Text   string       `json:"text,omitempty"`
	Person Person       `json:"person"`
	Sensor *SensorEvent `json:"sensor,omitempty"`
	At     time.Time    `json:"at"`
}

// SensorEvent is one item from the zone/sensor event feed.
type SensorEvent struct {
	EntityID string    `json:"entity_id"`
	NewState string    `json:"new_state"`
	OldState string    `json:"old_state"`
	At       time.Time `json:"timestamp"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANTICIPATION
// ═══════════════════════════════════════════════════════════════════════════════

// Disposition is the anticipation engine's decision about how assertively
// to act on a pattern. Derived purely from confidence against configured
// thresholds (plus the observation floor for auto-execution).
type Disposition string

const (
	DispositionNone    Disposition = "none"    // below ask threshold
	DispositionAsk     Disposition = "ask"     // yes/no prompt
	DispositionSuggest Disposition = "suggest" // pre-announced, cancellable
	DispositionAuto    Disposition = "auto"    // execute and inform after
)

// Suggestion is emitted on the notification channel. Delivery mechanics
// are external; the core only produces the event.
type Suggestion struct {
	ID           string         `json:"id"`
	Disposition  Disposition    `json:"disposition"`
	Text         string         `json:"text"`
	Action       *ActionRequest `json:"action,omitempty"`
	PatternID    string         `json:"pattern_id,omitempty"`
	CancelWindow time.Duration  `json:"cancel_window_seconds"`
}
