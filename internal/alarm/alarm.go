// Package alarm implements the arming state machine on top of the
// generic fsm runtime. Every arm and disarm is an ActionRequest routed
// through the action gateway before the machine accepts the event — the
// controller never authorizes anything on its own, and trust is checked
// at the moment of the disarm, not when a countdown started.
package alarm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/config"
	"github.com/normanking/majordomo/internal/fsm"
	"github.com/normanking/majordomo/internal/gateway"
	"github.com/normanking/majordomo/internal/keyed"
	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/pkg/types"
)

// States of the arming machine.
const (
	StateDisarmed     fsm.State = "DISARMED"
	StatePendingExit  fsm.State = "PENDING_EXIT"
	StateArmedHome    fsm.State = "ARMED_HOME"
	StateArmedAway    fsm.State = "ARMED_AWAY"
	StateArmedNight   fsm.State = "ARMED_NIGHT"
	StatePendingEntry fsm.State = "PENDING_ENTRY"
	StateTriggered    fsm.State = "TRIGGERED"
)

// Events driving the machine.
const (
	eventArm          fsm.Event = "arm"
	eventDisarm       fsm.Event = "disarm"
	eventTimerExpired fsm.Event = "timer_expired"
	eventZoneDelayed  fsm.Event = "zone_delayed"
	eventZoneInstant  fsm.Event = "zone_instant"
)

// Mode is the arming mode requested by the user.
type Mode string

const (
	ModeHome  Mode = "armed_home"
	ModeAway  Mode = "armed_away"
	ModeNight Mode = "armed_night"
)

// Alarm action names as they appear in the trust policy.
const (
	ActionArmHome  = "alarm.arm_home"
	ActionArmAway  = "alarm.arm_away"
	ActionArmNight = "alarm.arm_night"
	ActionDisarm   = "alarm.disarm"
	ActionSirenOn  = "alarm.siren_on"
)

// IsAlarmAction reports whether an action must be routed through the
// alarm controller instead of dispatched directly.
func IsAlarmAction(action string) bool {
	switch action {
	case ActionArmHome, ActionArmAway, ActionArmNight, ActionDisarm:
		return true
	}
	return false
}

// Zone is one monitored sensor with its entry-delay policy. A delayed
// zone (the front door) opens a countdown; an instant zone (a window)
// trips the alarm immediately.
type Zone struct {
	EntityID     string `yaml:"entity_id"`
	Name         string `yaml:"name"`
	EntryDelay   bool   `yaml:"entry_delay"`
	TriggerState string `yaml:"trigger_state"`
}

// generationKey mirrors the machine's timer generation into the keyed
// store so external diagnostics can see countdown churn.
const generationKey = "alarm:generation"

// Controller runs the arming exemplar.
type Controller struct {
	machine *fsm.Machine
	gw      *gateway.Gateway
	events  *bus.Bus
	kv      *keyed.Store
	zones   map[string]Zone
	actAs   types.Person
	log     zerolog.Logger

	// opMu serializes arm and disarm so the state check, the gateway
	// dispatch, and the transition form one unit. Never taken by machine
	// callbacks — armedTarget runs under the machine lock and takes mu.
	opMu sync.Mutex

	mu   sync.Mutex
	mode Mode
}

// New builds the controller and its transition table. actAs is the
// identity the controller itself acts under for protective dispatches
// (the siren); it must be present in the trust policy like anyone else.
func New(gw *gateway.Gateway, events *bus.Bus, kv *keyed.Store, cfg config.AlarmConfig, zones []Zone, actAs types.Person) *Controller {
	c := &Controller{
		gw:     gw,
		events: events,
		kv:     kv,
		zones:  make(map[string]Zone, len(zones)),
		actAs:  actAs,
		log:    logging.Component("alarm"),
	}
	for _, z := range zones {
		c.zones[z.EntityID] = z
	}

	m := fsm.New("alarm", StateDisarmed).
		AddTransition(StateDisarmed, eventArm, StatePendingExit).
		AddTransition(StatePendingExit, eventDisarm, StateDisarmed).
		AddDynamic(StatePendingExit, eventTimerExpired, c.armedTarget).
		SetTimer(StatePendingExit, cfg.ExitDelay, eventTimerExpired).
		AddTransition(StatePendingEntry, eventTimerExpired, StateTriggered).
		AddTransition(StatePendingEntry, eventDisarm, StateDisarmed).
		SetTimer(StatePendingEntry, cfg.EntryDelay, eventTimerExpired).
		AddTransition(StateTriggered, eventDisarm, StateDisarmed).
		AddTransition(StateDisarmed, eventDisarm, StateDisarmed)

	for _, armed := range []fsm.State{StateArmedHome, StateArmedAway, StateArmedNight} {
		m.AddTransition(armed, eventZoneDelayed, StatePendingEntry).
			AddTransition(armed, eventZoneInstant, StateTriggered).
			AddTransition(armed, eventDisarm, StateDisarmed)
	}

	m.OnTransition(c.onTransition)
	m.OnEnter(StateTriggered, c.onTriggered)
	c.machine = m
	return c
}

// State returns the current alarm state.
func (c *Controller) State() fsm.State {
	return c.machine.State()
}

// Stop cancels any pending countdown. Used at shutdown.
func (c *Controller) Stop() {
	c.machine.Stop()
}

// Execute routes an authorized-to-be alarm action. The orchestrator
// hands alarm-domain candidates here instead of dispatching directly.
func (c *Controller) Execute(ctx context.Context, req types.ActionRequest) error {
	switch req.Action {
	case ActionArmHome:
		return c.Arm(ctx, ModeHome, req.RequestedBy)
	case ActionArmAway:
		return c.Arm(ctx, ModeAway, req.RequestedBy)
	case ActionArmNight:
		return c.Arm(ctx, ModeNight, req.RequestedBy)
	case ActionDisarm:
		return c.Disarm(ctx, req.RequestedBy)
	default:
		return fmt.Errorf("alarm: unroutable action %q", req.Action)
	}
}

// Arm requests arming into the given mode. The request goes through the
// gateway first; only an authorized, dispatched arm moves the machine.
// Concurrent arms serialize on opMu, so at most one of them dispatches
// and the loser is rejected before reaching the gateway.
func (c *Controller) Arm(ctx context.Context, mode Mode, by types.Person) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.machine.State() != StateDisarmed {
		return fmt.Errorf("%w: arm from %s", fsm.ErrInvalidTransition, c.machine.State())
	}

	action := "alarm.arm_" + strings.TrimPrefix(string(mode), "armed_")
	if _, err := c.gw.AuthorizeAndDispatch(ctx, types.ActionRequest{
		Action:      action,
		RequestedBy: by,
		Origin:      "alarm",
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()

	_, err := c.machine.Fire(ctx, eventArm)
	return err
}

// Disarm requests disarming. Authorization happens here, at disarm
// time — a trust change during a countdown is honored, not the trust
// that existed when the countdown started.
func (c *Controller) Disarm(ctx context.Context, by types.Person) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, err := c.gw.AuthorizeAndDispatch(ctx, types.ActionRequest{
		Action:      ActionDisarm,
		RequestedBy: by,
		Origin:      "alarm",
	}); err != nil {
		return err
	}

	_, err := c.machine.Fire(ctx, eventDisarm)
	return err
}

// HandleSensor feeds one sensor event through the zone table. Events
// for unmonitored entities, non-trigger states, or states the machine
// has no transition for (disarmed, already triggered) are ignored.
func (c *Controller) HandleSensor(ctx context.Context, ev types.SensorEvent) {
	zone, ok := c.zones[ev.EntityID]
	if !ok || ev.NewState != zone.TriggerState {
		return
	}

	event := eventZoneInstant
	if zone.EntryDelay {
		event = eventZoneDelayed
	}

	if _, err := c.machine.Fire(ctx, event); err != nil {
		// Not armed, or already triggered: re-delivery must not re-fire
		// side effects, so the event simply doesn't transition.
		c.log.Debug().
			Str("zone", zone.Name).
			Str("entity", ev.EntityID).
			Str("state", string(c.machine.State())).
			Msg("zone event ignored")
		return
	}

	c.log.Warn().
		Str("zone", zone.Name).
		Str("entity", ev.EntityID).
		Bool("entry_delay", zone.EntryDelay).
		Msg("zone tripped")
}

// armedTarget resolves which armed state a pending-exit countdown lands
// on, based on the mode captured at arm time.
func (c *Controller) armedTarget() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.mode {
	case ModeHome:
		return StateArmedHome
	case ModeNight:
		return StateArmedNight
	default:
		return StateArmedAway
	}
}

// onTransition publishes every state change and mirrors the timer
// generation into the keyed store.
func (c *Controller) onTransition(ctx context.Context, tr fsm.Transition) {
	ev := bus.NewEvent(bus.EventAlarmStateChanged)
	ev.FromState = string(tr.From)
	ev.ToState = string(tr.To)
	if err := c.events.Publish(ev); err != nil {
		c.log.Error().Err(err).Msg("publish alarm state change failed")
	}

	if err := c.kv.Set(generationKey, []byte(strconv.FormatUint(tr.Gen, 10)), 0); err != nil {
		c.log.Warn().Err(err).Msg("mirror alarm generation failed")
	}
}

// onTriggered runs the TRIGGERED side effects: notification, log, and
// the siren through the gateway. The machine has no self-transition
// into TRIGGERED, so this fires exactly once per intrusion.
func (c *Controller) onTriggered(ctx context.Context, tr fsm.Transition) {
	c.log.Error().
		Str("from", string(tr.From)).
		Msg("alarm triggered")

	ev := bus.NewEvent(bus.EventAlarmTriggered)
	ev.FromState = string(tr.From)
	ev.ToState = string(tr.To)
	if err := c.events.Publish(ev); err != nil {
		c.log.Error().Err(err).Msg("publish alarm triggered failed")
	}

	if _, err := c.gw.AuthorizeAndDispatch(ctx, types.ActionRequest{
		Action:      ActionSirenOn,
		RequestedBy: c.actAs,
		Origin:      "alarm",
	}); err != nil {
		c.log.Error().Err(err).Msg("siren dispatch failed")
	}
}
