package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/majordomo/internal/profiler"
)

func staticSource(values map[string]string) SourceFunc {
	return func(ctx context.Context) (map[string]string, error) {
		return values, nil
	}
}

func TestAggregateCollectsEnabledSlots(t *testing.T) {
	a := New(time.Second)
	require.NoError(t, a.Register(SourceHouseStatus, staticSource(map[string]string{"living_room.light": "on"})))
	require.NoError(t, a.Register(SourceWeather, staticSource(map[string]string{"condition": "rain"})))

	profile := profiler.ActivationProfile{HouseStatus: true, Weather: true}
	bundle := a.Aggregate(context.Background(), profile)

	assert.True(t, bundle.Slot(SourceHouseStatus).Available)
	assert.Equal(t, "rain", bundle.Slot(SourceWeather).Values["condition"])
	// Disabled sources simply aren't in the bundle.
	assert.False(t, bundle.Slot(SourceMood).Available)
	assert.False(t, bundle.Now.IsZero())
}

func TestFailingSourceDegradesOwnSlotOnly(t *testing.T) {
	a := New(time.Second)
	require.NoError(t, a.Register(SourceHouseStatus, staticSource(map[string]string{"ok": "yes"})))
	require.NoError(t, a.Register(SourceWeather, func(ctx context.Context) (map[string]string, error) {
		return nil, errors.New("weather service down")
	}))

	bundle := a.Aggregate(context.Background(), profiler.ActivationProfile{HouseStatus: true, Weather: true})

	assert.True(t, bundle.Slot(SourceHouseStatus).Available)
	assert.False(t, bundle.Slot(SourceWeather).Available)
}

func TestSlowSourceMissesDeadlineWithoutStallingSiblings(t *testing.T) {
	a := New(100 * time.Millisecond)
	require.NoError(t, a.Register(SourceHouseStatus, staticSource(map[string]string{"fast": "yes"})))
	require.NoError(t, a.Register(SourceMemorySearch, func(ctx context.Context) (map[string]string, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]string{"too": "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	start := time.Now()
	bundle := a.Aggregate(context.Background(), profiler.ActivationProfile{HouseStatus: true, MemorySearch: true})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "aggregation must not wait out the slow source")
	assert.True(t, bundle.Slot(SourceHouseStatus).Available)
	assert.False(t, bundle.Slot(SourceMemorySearch).Available)
}

func TestPanickingSourceIsAbsorbed(t *testing.T) {
	a := New(time.Second)
	require.NoError(t, a.Register(SourceMood, func(ctx context.Context) (map[string]string, error) {
		panic("mood sensor exploded")
	}))

	bundle := a.Aggregate(context.Background(), profiler.ActivationProfile{Mood: true})
	assert.False(t, bundle.Slot(SourceMood).Available)
}

func TestUnregisteredSourceMarkedUnavailable(t *testing.T) {
	a := New(time.Second)

	bundle := a.Aggregate(context.Background(), profiler.ActivationProfile{CrossRoom: true})
	slot, ok := bundle.Slots[SourceCrossRoom]
	require.True(t, ok)
	assert.False(t, slot.Available)
}

func TestEmptyProfileStillHasClock(t *testing.T) {
	a := New(time.Second)

	bundle := a.Aggregate(context.Background(), profiler.ActivationProfile{})
	assert.Empty(t, bundle.Slots)
	assert.WithinDuration(t, time.Now(), bundle.Now, time.Minute)
}

func TestNilSourceRejected(t *testing.T) {
	a := New(time.Second)
	assert.Error(t, a.Register(SourceWeather, nil))
}
