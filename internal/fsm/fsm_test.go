package fsm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	m := New("door", "closed").
		AddTransition("closed", "open", "opened").
		AddTransition("opened", "close", "closed")

	state, err := m.Fire(context.Background(), "open")
	require.NoError(t, err)
	assert.Equal(t, State("opened"), state)
	assert.Equal(t, State("opened"), m.State())
}

func TestInvalidTransitionChangesNothing(t *testing.T) {
	m := New("door", "closed").
		AddTransition("closed", "open", "opened")

	_, err := m.Fire(context.Background(), "close")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, State("closed"), m.State())
	assert.Equal(t, uint64(0), m.Generation())
}

func TestTimerFiresFollowUpEvent(t *testing.T) {
	m := New("arming", "idle").
		AddTransition("idle", "start", "waiting").
		AddTransition("waiting", "timeout", "done").
		SetTimer("waiting", 20*time.Millisecond, "timeout")

	_, err := m.Fire(context.Background(), "start")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return m.State() == State("done")
	}, time.Second, 5*time.Millisecond)
}

func TestStaleTimerIsDiscarded(t *testing.T) {
	m := New("arming", "idle").
		AddTransition("idle", "start", "waiting").
		AddTransition("waiting", "timeout", "done").
		AddTransition("waiting", "abort", "idle").
		SetTimer("waiting", 30*time.Millisecond, "timeout")

	_, err := m.Fire(context.Background(), "start")
	require.NoError(t, err)
	// Leave the timed state before the timer fires.
	_, err = m.Fire(context.Background(), "abort")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, State("idle"), m.State(), "stale timer must not move the machine")
}

func TestReenteringTimedStateReschedules(t *testing.T) {
	m := New("arming", "idle").
		AddTransition("idle", "start", "waiting").
		AddTransition("waiting", "abort", "idle").
		AddTransition("waiting", "timeout", "done").
		SetTimer("waiting", 25*time.Millisecond, "timeout")

	ctx := context.Background()
	_, err := m.Fire(ctx, "start")
	require.NoError(t, err)
	_, err = m.Fire(ctx, "abort")
	require.NoError(t, err)
	_, err = m.Fire(ctx, "start")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return m.State() == State("done")
	}, time.Second, 5*time.Millisecond)
}

func TestEntryHookRunsOncePerEntry(t *testing.T) {
	var entries atomic.Int32
	m := New("alarm", "off").
		AddTransition("off", "trip", "ringing").
		AddTransition("ringing", "trip", "ringing").
		AddTransition("ringing", "reset", "off").
		OnEnter("ringing", func(ctx context.Context, tr Transition) {
			entries.Add(1)
		})

	ctx := context.Background()
	_, err := m.Fire(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, int32(1), entries.Load())

	// Self-transition is still an entry.
	_, err = m.Fire(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, int32(2), entries.Load())
}

func TestHookSeesTransitionDetails(t *testing.T) {
	var got Transition
	m := New("alarm", "off").
		AddTransition("off", "trip", "ringing").
		OnEnter("ringing", func(ctx context.Context, tr Transition) {
			got = tr
		})

	_, err := m.Fire(context.Background(), "trip")
	require.NoError(t, err)
	assert.Equal(t, State("off"), got.From)
	assert.Equal(t, State("ringing"), got.To)
	assert.Equal(t, Event("trip"), got.Event)
	assert.Equal(t, uint64(1), got.Gen)
}

func TestDynamicTransitionResolvesAtFireTime(t *testing.T) {
	target := State("armed_home")
	m := New("alarm", "pending").
		AddDynamic("pending", "timer_expired", func() State { return target })

	ctx := context.Background()
	target = "armed_away"
	state, err := m.Fire(ctx, "timer_expired")
	require.NoError(t, err)
	assert.Equal(t, State("armed_away"), state)
}

func TestGlobalTransitionHookRunsFirst(t *testing.T) {
	var order []string
	m := New("door", "closed").
		AddTransition("closed", "open", "opened").
		OnTransition(func(ctx context.Context, tr Transition) {
			order = append(order, "global")
		}).
		OnEnter("opened", func(ctx context.Context, tr Transition) {
			order = append(order, "entry")
		})

	_, err := m.Fire(context.Background(), "open")
	require.NoError(t, err)
	assert.Equal(t, []string{"global", "entry"}, order)
}

func TestStopCancelsPendingTimer(t *testing.T) {
	m := New("arming", "idle").
		AddTransition("idle", "start", "waiting").
		AddTransition("waiting", "timeout", "done").
		SetTimer("waiting", 20*time.Millisecond, "timeout")

	_, err := m.Fire(context.Background(), "start")
	require.NoError(t, err)
	m.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, State("waiting"), m.State())
}
