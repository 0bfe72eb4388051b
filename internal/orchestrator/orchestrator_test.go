package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/majordomo/internal/aggregator"
	"github.com/normanking/majordomo/internal/alarm"
	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/config"
	"github.com/normanking/majordomo/internal/data"
	"github.com/normanking/majordomo/internal/gateway"
	"github.com/normanking/majordomo/internal/history"
	"github.com/normanking/majordomo/internal/keyed"
	"github.com/normanking/majordomo/internal/patterns"
	"github.com/normanking/majordomo/internal/profiler"
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
  light.on: member
  light.off: member
  lock.front_door: member
  unlock.front_door: owner
  media.play: member
  climate.set_temperature: member
  alarm.arm_home: member
  alarm.arm_away: member
  alarm.arm_night: member
  alarm.disarm: member
  alarm.siren_on: owner
`

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDispatcher) Call(ctx context.Context, action string, args map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	return nil
}

func (f *fakeDispatcher) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.calls {
		if a == action {
			n++
		}
	}
	return n
}

type fixture struct {
	orch       *Orchestrator
	engine     *patterns.Engine
	store      *patterns.Store
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

	db, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kv, err := keyed.Open(keyed.Options{CASRetries: 3, CASBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	events := bus.New()
	t.Cleanup(func() { events.Close() })

	dispatcher := &fakeDispatcher{}
	hist := history.NewLog(db.DB())
	gw := gateway.New(registry, dispatcher, hist, events)

	antCfg := config.AnticipationConfig{
		AskThreshold:     0.40,
		SuggestThreshold: 0.65,
		AutoThreshold:    0.85,
		ObservationFloor: 3,
		DecayHalfLife:    14 * 24 * time.Hour,
		SequenceWindow:   10 * time.Minute,
		ContextDelay:     15 * time.Minute,
		CancelWindow:     60 * time.Millisecond,
		AskExpiry:        10 * time.Second,
		MinClusterSize:   3,
		MaxMinuteStddev:  20.0,
		TimeLead:         10 * time.Minute,
	}
	store := patterns.NewStore(db)
	engine := patterns.NewEngine(store, kv, antCfg)
	engine.BindHistory(hist)

	actAs := types.Person{ID: "majordomo", Name: "Majordomo", Tier: types.TierOwner}
	ctrl := alarm.New(gw, events, kv,
		config.AlarmConfig{ExitDelay: 40 * time.Millisecond, EntryDelay: 40 * time.Millisecond},
		[]alarm.Zone{
			{EntityID: "door.front", Name: "Front Door", EntryDelay: true, TriggerState: "open"},
			{EntityID: "window.kitchen", Name: "Kitchen Window", EntryDelay: false, TriggerState: "open"},
		}, actAs)
	t.Cleanup(ctrl.Stop)

	orch := New(Deps{
		Profiler:     profiler.New(),
		Aggregator:   aggregator.New(time.Second),
		Gateway:      gw,
		Engine:       engine,
		Alarm:        ctrl,
		Registry:     registry,
		Bus:          events,
		CancelWindow: antCfg.CancelWindow,
		AskExpiry:    antCfg.AskExpiry,
		Principal:    types.Person{ID: "alex", Name: "Alex", Tier: types.TierOwner},
	})
	t.Cleanup(orch.Stop)

	return &fixture{orch: orch, engine: engine, store: store, dispatcher: dispatcher, events: events}
}

func member() types.Person { return types.Person{ID: "sam", Name: "Sam", Tier: types.TierMember} }

func utterance(text string, p types.Person) types.Stimulus {
	return types.Stimulus{Kind: types.StimulusUtterance, Text: text, Person: p, At: time.Now()}
}

// seedMatchingPattern creates a time pattern for the current slot and
// confirms it until its confidence lands in the requested band.
func seedMatchingPattern(t *testing.T, f *fixture, action string, confirms int) patterns.Pattern {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	sig := fmt.Sprintf("time|%s|%d|%02d", action, int(now.Weekday()), now.Hour())
	p, err := f.store.GetOrCreate(ctx, patterns.KindTime, sig, action, nil)
	require.NoError(t, err)
	for i := 0; i < confirms; i++ {
		require.NoError(t, f.engine.Confirm(ctx, p.ID))
	}
	p, err = f.store.ByID(ctx, p.ID)
	require.NoError(t, err)
	return p
}

func TestUtteranceDispatchesDeviceAction(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Handle(context.Background(), utterance("please turn on the living room light", member()))
	require.NoError(t, err)
	require.Len(t, res.Receipts, 1)
	assert.Equal(t, "light.on", res.Receipts[0].Action)
	assert.Equal(t, 1, f.dispatcher.count("light.on"))
	assert.Empty(t, res.Denials)
}

func TestGuestDeniedThroughWholePipeline(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Handle(context.Background(),
		utterance("unlock the front door", types.Person{ID: "visitor", Tier: types.TierGuest}))
	require.NoError(t, err)
	require.Len(t, res.Denials, 1)
	assert.Equal(t, types.DenyInsufficientTrust, res.Denials[0].Reason)
	assert.Equal(t, 0, f.dispatcher.count("unlock.front_door"))
}

func TestOpaqueUtteranceProducesNothing(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Handle(context.Background(), utterance("what a lovely evening", member()))
	require.NoError(t, err)
	assert.Empty(t, res.Receipts)
	assert.Empty(t, res.Denials)
}

func TestAlarmUtteranceRoutesToController(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Handle(context.Background(), utterance("arm the alarm for the night", member()))
	require.NoError(t, err)
	assert.Equal(t, alarm.StatePendingExit, res.AlarmState)

	assert.Eventually(t, func() bool {
		return f.orch.deps.Alarm.State() == alarm.StateArmedNight
	}, time.Second, 5*time.Millisecond)
}

func TestSensorStimulusDrivesAlarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, utterance("arm the alarm away", member()))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.orch.deps.Alarm.State() == alarm.StateArmedAway
	}, time.Second, 5*time.Millisecond)

	res, err := f.orch.Handle(ctx, types.Stimulus{
		Kind:   types.StimulusSensor,
		Person: member(),
		Sensor: &types.SensorEvent{EntityID: "window.kitchen", NewState: "open", At: time.Now()},
		At:     time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, alarm.StateTriggered, res.AlarmState)
	assert.Equal(t, 1, f.dispatcher.count("alarm.siren_on"))
}

func TestTickEmitsAskSuggestionAndDeclineRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := seedMatchingPattern(t, f, "light.on", 4) // ask band
	before := p.Confidence

	res, err := f.orch.Handle(ctx, types.Stimulus{Kind: types.StimulusTick, Person: member(), At: time.Now()})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)
	s := res.Suggestions[0]
	assert.Equal(t, types.DispositionAsk, s.Disposition)
	assert.Equal(t, 0, f.dispatcher.count("light.on"))

	require.NoError(t, f.orch.Decline(ctx, s.ID))
	after, err := f.store.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Less(t, after.Confidence, before)

	// The verdict is terminal: a second decline finds nothing.
	assert.ErrorIs(t, f.orch.Decline(ctx, s.ID), ErrUnknownSuggestion)
}

func TestUnansweredAskExpires(t *testing.T) {
	f := newFixture(t)
	f.orch.deps.AskExpiry = 50 * time.Millisecond
	ctx := context.Background()

	p := seedMatchingPattern(t, f, "light.on", 4)
	before := p.Confidence

	res, err := f.orch.Handle(ctx, types.Stimulus{Kind: types.StimulusTick, Person: member(), At: time.Now()})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)
	require.Equal(t, types.DispositionAsk, res.Suggestions[0].Disposition)

	time.Sleep(150 * time.Millisecond) // past the expiry

	// The prompt lapsed: no verdict lands, nothing ran, and expiry is
	// not feedback — confidence is untouched.
	_, err = f.orch.Confirm(ctx, res.Suggestions[0].ID)
	assert.ErrorIs(t, err, ErrUnknownSuggestion)
	assert.Equal(t, 0, f.dispatcher.count("light.on"))

	after, err := f.store.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after.Confidence)
}

func TestConfirmedAskExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedMatchingPattern(t, f, "light.on", 4)
	res, err := f.orch.Handle(ctx, types.Stimulus{Kind: types.StimulusTick, Person: member(), At: time.Now()})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)

	confirmed, err := f.orch.Confirm(ctx, res.Suggestions[0].ID)
	require.NoError(t, err)
	require.Len(t, confirmed.Receipts, 1)
	assert.Equal(t, 1, f.dispatcher.count("light.on"))
}

func TestSuggestWindowExecutesWhenUnanswered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedMatchingPattern(t, f, "media.play", 7) // suggest band
	res, err := f.orch.Handle(ctx, types.Stimulus{Kind: types.StimulusTick, Person: member(), At: time.Now()})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, types.DispositionSuggest, res.Suggestions[0].Disposition)
	assert.Equal(t, 0, f.dispatcher.count("media.play"))

	assert.Eventually(t, func() bool {
		return f.dispatcher.count("media.play") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelledSuggestionNeverExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := seedMatchingPattern(t, f, "media.play", 7)
	before := p.Confidence

	res, err := f.orch.Handle(ctx, types.Stimulus{Kind: types.StimulusTick, Person: member(), At: time.Now()})
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)

	require.NoError(t, f.orch.Decline(ctx, res.Suggestions[0].ID))
	time.Sleep(150 * time.Millisecond) // past the cancel window
	assert.Equal(t, 0, f.dispatcher.count("media.play"))

	// Cancellation lowered confidence.
	after, err := f.store.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Less(t, after.Confidence, before)
}

func TestAnticipationRespectsFiringDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedMatchingPattern(t, f, "light.on", 4)
	tick := types.Stimulus{Kind: types.StimulusTick, Person: member(), At: time.Now()}

	res, err := f.orch.Handle(ctx, tick)
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 1)

	res, err = f.orch.Handle(ctx, tick)
	require.NoError(t, err)
	assert.Empty(t, res.Suggestions)
}

func TestIntentParsing(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		text   string
		action string
	}{
		{"turn on the living room light", "light.on"},
		{"turn off the bedroom light", "light.off"},
		{"lock the front door", "lock.front_door"},
		{"unlock the front door please", "unlock.front_door"},
		{"arm the alarm for the night", "alarm.arm_night"},
		{"disarm", "alarm.disarm"},
		{"set the thermostat to 21", "climate.set_temperature"},
		{"play some music", "media.play"},
		{"close the blinds", "cover.close"},
	}
	for _, tc := range cases {
		req, ok := f.orch.parseIntent(tc.text, member())
		require.True(t, ok, "no intent for %q", tc.text)
		assert.Equal(t, tc.action, req.Action, "for %q", tc.text)
	}

	_, ok := f.orch.parseIntent("tell me a story", member())
	assert.False(t, ok)
}
