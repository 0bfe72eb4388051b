// Package bus provides the in-process event bus connecting Majordomo's
// subsystems: sensor feed, action gateway, alarm controller, anticipation
// engine, and the notification boundary.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/normanking/majordomo/pkg/types"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

const (
	// Sensor feed
	EventSensorStateChanged EventType = "sensor.state_changed"

	// Action gateway
	EventActionDispatched EventType = "action.dispatched"
	EventActionDenied     EventType = "action.denied"

	// Alarm state machine
	EventAlarmStateChanged EventType = "alarm.state_changed"
	EventAlarmTriggered    EventType = "alarm.triggered"

	// Anticipation engine / notification boundary
	EventSuggestionEmitted EventType = "suggestion.emitted"
	EventPatternPromoted   EventType = "pattern.promoted"
)

// Event is a single item on the bus. Payload fields are optional and
// depend on the event type; consumers must tolerate absent fields.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Person involved, if any (dispatches, denials, disarms).
	Person string `json:"person,omitempty"`

	// Action name for gateway events.
	Action string `json:"action,omitempty"`

	// Denial reason for action.denied.
	Reason string `json:"reason,omitempty"`

	// Sensor payload for sensor.state_changed.
	Sensor *types.SensorEvent `json:"sensor,omitempty"`

	// Alarm payload: previous and new state names.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// Suggestion payload for suggestion.emitted.
	Suggestion *types.Suggestion `json:"suggestion,omitempty"`

	// Pattern identifier for pattern events.
	PatternID string `json:"pattern_id,omitempty"`
}

// NewEvent creates an event with ID and timestamp filled in.
func NewEvent(t EventType) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      t,
	}
}
