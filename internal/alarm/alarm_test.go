package alarm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/config"
	"github.com/normanking/majordomo/internal/data"
	"github.com/normanking/majordomo/internal/fsm"
	"github.com/normanking/majordomo/internal/gateway"
	"github.com/normanking/majordomo/internal/history"
	"github.com/normanking/majordomo/internal/keyed"
	"github.com/normanking/majordomo/internal/trust"
	"github.com/normanking/majordomo/pkg/types"
)

const testPolicy = `
people:
  - id: alex
    name: Alex
    tier: owner
  - id: sam
    name: Sam
    tier: member
  - id: visitor
    name: Visitor
    tier: guest
  - id: majordomo
    name: Majordomo
    tier: owner
actions:
  alarm.arm_home: member
  alarm.arm_away: member
  alarm.arm_night: member
  alarm.disarm: member
  alarm.siren_on: owner
`

type fakeDispatcher struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeDispatcher) Call(ctx context.Context, action string, args map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[action]++
	return nil
}

func (f *fakeDispatcher) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

type fixture struct {
	ctrl       *Controller
	dispatcher *fakeDispatcher
	events     *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0644))
	registry, err := trust.NewRegistry(policyPath)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kv, err := keyed.Open(keyed.Options{CASRetries: 3, CASBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	events := bus.New()
	t.Cleanup(func() { events.Close() })

	dispatcher := &fakeDispatcher{}
	gw := gateway.New(registry, dispatcher, history.NewLog(store.DB()), events)

	zones := []Zone{
		{EntityID: "door.front", Name: "Front Door", EntryDelay: true, TriggerState: "open"},
		{EntityID: "window.kitchen", Name: "Kitchen Window", EntryDelay: false, TriggerState: "open"},
	}
	cfg := config.AlarmConfig{ExitDelay: 40 * time.Millisecond, EntryDelay: 40 * time.Millisecond}
	actAs := types.Person{ID: "majordomo", Name: "Majordomo", Tier: types.TierOwner}

	ctrl := New(gw, events, kv, cfg, zones, actAs)
	t.Cleanup(ctrl.Stop)
	return &fixture{ctrl: ctrl, dispatcher: dispatcher, events: events}
}

func owner() types.Person  { return types.Person{ID: "alex", Name: "Alex", Tier: types.TierOwner} }
func member() types.Person { return types.Person{ID: "sam", Name: "Sam", Tier: types.TierMember} }

func armAway(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.ctrl.Arm(context.Background(), ModeAway, owner()))
	require.Equal(t, StatePendingExit, f.ctrl.State())
	require.Eventually(t, func() bool {
		return f.ctrl.State() == StateArmedAway
	}, time.Second, 5*time.Millisecond)
}

func TestArmAwayScenario(t *testing.T) {
	f := newFixture(t)
	armAway(t, f)
	assert.Equal(t, 1, f.dispatcher.count(ActionArmAway))
}

func TestGuestCannotArm(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.Arm(context.Background(), ModeAway, types.Person{ID: "visitor", Tier: types.TierGuest})
	var denial *types.Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, StateDisarmed, f.ctrl.State())
	assert.Equal(t, 0, f.dispatcher.count(ActionArmAway))
}

func TestInstantZoneTriggersExactlyOnce(t *testing.T) {
	f := newFixture(t)
	armAway(t, f)

	var triggered sync.WaitGroup
	triggered.Add(1)
	var notifications int
	var mu sync.Mutex
	f.events.Subscribe(bus.EventAlarmTriggered, func(e bus.Event) {
		mu.Lock()
		notifications++
		if notifications == 1 {
			triggered.Done()
		}
		mu.Unlock()
	})

	ctx := context.Background()
	open := types.SensorEvent{EntityID: "window.kitchen", NewState: "open", OldState: "closed"}
	f.ctrl.HandleSensor(ctx, open)
	assert.Equal(t, StateTriggered, f.ctrl.State())

	// Re-delivering the same event to a triggered machine is a no-op.
	f.ctrl.HandleSensor(ctx, open)
	assert.Equal(t, StateTriggered, f.ctrl.State())
	assert.Equal(t, 1, f.dispatcher.count(ActionSirenOn))

	triggered.Wait()
	mu.Lock()
	assert.Equal(t, 1, notifications)
	mu.Unlock()
}

func TestEntryDelayAllowsDisarm(t *testing.T) {
	f := newFixture(t)
	armAway(t, f)
	ctx := context.Background()

	f.ctrl.HandleSensor(ctx, types.SensorEvent{EntityID: "door.front", NewState: "open"})
	require.Equal(t, StatePendingEntry, f.ctrl.State())

	require.NoError(t, f.ctrl.Disarm(ctx, member()))
	assert.Equal(t, StateDisarmed, f.ctrl.State())

	// The entry countdown was cancelled: its timer firing later is a no-op.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisarmed, f.ctrl.State())
	assert.Equal(t, 0, f.dispatcher.count(ActionSirenOn))
}

func TestEntryDelayExpiresToTriggered(t *testing.T) {
	f := newFixture(t)
	armAway(t, f)

	f.ctrl.HandleSensor(context.Background(), types.SensorEvent{EntityID: "door.front", NewState: "open"})
	require.Equal(t, StatePendingEntry, f.ctrl.State())

	assert.Eventually(t, func() bool {
		return f.ctrl.State() == StateTriggered
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.dispatcher.count(ActionSirenOn))
}

func TestGuestDisarmDeniedMidCountdown(t *testing.T) {
	f := newFixture(t)
	armAway(t, f)
	ctx := context.Background()

	f.ctrl.HandleSensor(ctx, types.SensorEvent{EntityID: "door.front", NewState: "open"})
	require.Equal(t, StatePendingEntry, f.ctrl.State())

	// Trust is evaluated at disarm time; the guest doesn't clear it and
	// the countdown keeps running.
	err := f.ctrl.Disarm(ctx, types.Person{ID: "visitor", Tier: types.TierGuest})
	var denial *types.Denial
	require.ErrorAs(t, err, &denial)

	assert.Eventually(t, func() bool {
		return f.ctrl.State() == StateTriggered
	}, time.Second, 5*time.Millisecond)
}

func TestDisarmDuringExitCountdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Arm(ctx, ModeAway, owner()))
	require.Equal(t, StatePendingExit, f.ctrl.State())
	require.NoError(t, f.ctrl.Disarm(ctx, owner()))
	assert.Equal(t, StateDisarmed, f.ctrl.State())

	// No residual timer arms the system later.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisarmed, f.ctrl.State())
}

func TestArmWhileArmedRejected(t *testing.T) {
	f := newFixture(t)
	armAway(t, f)

	err := f.ctrl.Arm(context.Background(), ModeHome, owner())
	assert.ErrorIs(t, err, fsm.ErrInvalidTransition)
	assert.Equal(t, StateArmedAway, f.ctrl.State())
}

func TestConcurrentArmsDispatchOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	modes := []Mode{ModeAway, ModeHome}
	errs := make([]error, len(modes))
	var wg sync.WaitGroup
	for i, mode := range modes {
		wg.Add(1)
		go func(i int, mode Mode) {
			defer wg.Done()
			errs[i] = f.ctrl.Arm(ctx, mode, owner())
		}(i, mode)
	}
	wg.Wait()

	// Exactly one arm wins; the loser is rejected before it can reach
	// the gateway, so only the winner's dispatch is on record.
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, fsm.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.dispatcher.count(ActionArmAway)+f.dispatcher.count(ActionArmHome))
	assert.Equal(t, StatePendingExit, f.ctrl.State())
}

func TestZoneEventWhileDisarmedIgnored(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleSensor(context.Background(), types.SensorEvent{EntityID: "window.kitchen", NewState: "open"})
	assert.Equal(t, StateDisarmed, f.ctrl.State())
	assert.Equal(t, 0, f.dispatcher.count(ActionSirenOn))
}

func TestNightModeLandsOnArmedNight(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Arm(context.Background(), ModeNight, member()))
	assert.Eventually(t, func() bool {
		return f.ctrl.State() == StateArmedNight
	}, time.Second, 5*time.Millisecond)
}
