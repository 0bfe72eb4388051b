// Package aggregator implements the context aggregator: a deadline-
// bounded fan-out over independent read-only sources. Each enabled
// source runs on its own goroutine and writes only its own slot of the
// result bundle; a source that errors or misses the deadline degrades
// its slot to unavailable without failing siblings or the aggregation
// as a whole.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/internal/profiler"
)

// Source names map one-to-one onto activation profile flags.
const (
	SourceHouseStatus   = "house_status"
	SourceMemorySearch  = "memory_search"
	SourceWeather       = "weather"
	SourceMood          = "mood"
	SourceSecurityScore = "security_score"
	SourceCrossRoom     = "cross_room"
)

// SourceFunc reads one context source. Implementations must respect ctx
// cancellation; the aggregator enforces the shared deadline through it.
type SourceFunc func(ctx context.Context) (map[string]string, error)

// Slot is the per-source result: a value or an explicit unavailable
// marker. Consumers treat unavailable as "assume permissive defaults",
// never as a fatal error.
type Slot struct {
	Source    string            `json:"source"`
	Available bool              `json:"available"`
	Values    map[string]string `json:"values,omitempty"`
}

// ContextBundle is the aggregated, partially-degradable result of one
// fan-out. Now is computed synchronously and is always present — it has
// no data dependency and is not subject to the profile.
type ContextBundle struct {
	Now   time.Time       `json:"now"`
	Slots map[string]Slot `json:"slots"`
}

// Slot returns the named slot; absent slots (not requested by the
// profile) read as unavailable.
func (b ContextBundle) Slot(source string) Slot {
	if s, ok := b.Slots[source]; ok {
		return s
	}
	return Slot{Source: source, Available: false}
}

// Aggregator fans out to registered sources under a shared deadline.
type Aggregator struct {
	mu       sync.RWMutex
	sources  map[string]SourceFunc
	deadline time.Duration
	log      zerolog.Logger
}

// New creates an aggregator with the given shared deadline. Sources are
// registered eagerly at startup via Register.
func New(deadline time.Duration) *Aggregator {
	return &Aggregator{
		sources:  make(map[string]SourceFunc),
		deadline: deadline,
		log:      logging.Component("aggregator"),
	}
}

// Register adds a named source. Registering a name twice replaces the
// previous source; registration after startup is not expected.
func (a *Aggregator) Register(name string, fn SourceFunc) error {
	if fn == nil {
		return fmt.Errorf("register %q: nil source", name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[name] = fn
	return nil
}

// Aggregate runs the fan-out for the sources the profile enables and
// collects results under the shared deadline. It never returns an
// error: partial failure is the design, and the worst case is a bundle
// of unavailable slots.
func (a *Aggregator) Aggregate(ctx context.Context, profile profiler.ActivationProfile) ContextBundle {
	bundle := ContextBundle{
		Now:   time.Now(),
		Slots: make(map[string]Slot),
	}

	wanted := enabledSources(profile)
	if len(wanted) == 0 {
		return bundle
	}

	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	a.mu.RLock()
	type task struct {
		name string
		fn   SourceFunc
	}
	tasks := make([]task, 0, len(wanted))
	for _, name := range wanted {
		fn, ok := a.sources[name]
		if !ok {
			// Profile asked for a source nobody registered. Mark the slot
			// unavailable so consumers see the gap explicitly.
			bundle.Slots[name] = Slot{Source: name, Available: false}
			a.log.Warn().Str("source", name).Msg("profile enabled unregistered source")
			continue
		}
		tasks = append(tasks, task{name: name, fn: fn})
	}
	a.mu.RUnlock()

	// One goroutine per source; each writes only its own index. No slot
	// is shared between tasks, so no lock is needed on the results.
	results := make([]Slot, len(tasks))
	var wg sync.WaitGroup
	for i, tk := range tasks {
		wg.Add(1)
		go func(i int, tk task) {
			defer wg.Done()
			results[i] = a.readSource(ctx, tk.name, tk.fn)
		}(i, tk)
	}
	wg.Wait()

	for _, slot := range results {
		bundle.Slots[slot.Source] = slot
	}
	return bundle
}

// readSource runs one source, converting panics, errors, and deadline
// misses into an unavailable slot with a log line. Absorbed failures
// are never silent.
func (a *Aggregator) readSource(ctx context.Context, name string, fn SourceFunc) (slot Slot) {
	slot = Slot{Source: name, Available: false}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Str("source", name).Interface("panic", r).Msg("source panicked")
			slot = Slot{Source: name, Available: false}
		}
	}()

	start := time.Now()
	values, err := fn(ctx)
	if err != nil {
		a.log.Warn().
			Str("source", name).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("source degraded to unavailable")
		return slot
	}

	slot.Available = true
	slot.Values = values
	return slot
}

func enabledSources(profile profiler.ActivationProfile) []string {
	var out []string
	if profile.HouseStatus {
		out = append(out, SourceHouseStatus)
	}
	if profile.MemorySearch {
		out = append(out, SourceMemorySearch)
	}
	if profile.Weather {
		out = append(out, SourceWeather)
	}
	if profile.Mood {
		out = append(out, SourceMood)
	}
	if profile.SecurityScore {
		out = append(out, SourceSecurityScore)
	}
	if profile.CrossRoom {
		out = append(out, SourceCrossRoom)
	}
	return out
}
