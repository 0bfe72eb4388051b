package patterns

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/config"
	"github.com/normanking/majordomo/internal/history"
	"github.com/normanking/majordomo/internal/keyed"
	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/pkg/types"
)

// TierResolver answers which trust tier an action requires. The trust
// snapshot satisfies this; the engine uses it only to avoid proposing
// auto-execution the gateway would deny anyway.
type TierResolver interface {
	RequiredTier(action string) (types.TrustTier, bool)
}

// Anticipated is one matched pattern turned into a candidate action.
type Anticipated struct {
	Pattern     Pattern             `json:"pattern"`
	Confidence  float64             `json:"confidence"`
	Disposition types.Disposition   `json:"disposition"`
	Request     types.ActionRequest `json:"request"`
}

// Confidence adjustment factors. Reinforcement is asymptotic toward 1
// so no finite number of observations reaches certainty; rejection cuts
// harder than an unanswered suggestion ever decays.
const (
	reinforceGain     = 0.12
	confirmGain       = 0.15
	rejectFactor      = 0.5
	cancelFactor      = 0.7
	brokenOrderFactor = 0.9
)

const (
	// seenTTL bounds the dedup keys that make reinforcement idempotent
	// per underlying occurrence.
	seenTTL = 45 * 24 * time.Hour
	// firedTTL suppresses repeat firings of the same pattern within a day.
	firedTTL = 24 * time.Hour

	lockShards = 32
)

// Engine scores, reinforces, decays, and matches behavioral patterns.
// All confidence read-modify-writes go through a sharded per-pattern
// lock so concurrent observers cannot lose updates.
type Engine struct {
	store  *Store
	kv     *keyed.Store
	hist   *history.Log
	events *bus.Bus
	cfg    config.AnticipationConfig
	log    zerolog.Logger
	now    func() time.Time

	locks [lockShards]sync.Mutex

	mu       sync.Mutex
	triggers []types.SensorEvent
	recent   []recentAction
}

type recentAction struct {
	action string
	at     time.Time
}

// NewEngine creates the engine. Everything it needs is handed in here;
// nothing is initialized lazily on first use.
func NewEngine(store *Store, kv *keyed.Store, cfg config.AnticipationConfig) *Engine {
	return &Engine{
		store: store,
		kv:    kv,
		cfg:   cfg,
		log:   logging.Component("patterns"),
		now:   time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIDENCE LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// EffectiveConfidence applies exponential decay to the stored confidence
// based on how long the pattern has gone unobserved. Decay is computed
// lazily at read time; the stored value is only rewritten on the next
// reinforcement or feedback.
func (e *Engine) EffectiveConfidence(p Pattern, at time.Time) float64 {
	age := at.Sub(p.LastObservedAt)
	if age <= 0 {
		return p.Confidence
	}
	halves := float64(age) / float64(e.cfg.DecayHalfLife)
	return p.Confidence * math.Exp2(-halves)
}

// Disposition maps an effective confidence onto an assertiveness band.
// Auto additionally requires the observation floor and that the person
// on whose behalf the action would run actually clears the action's
// tier; otherwise it downgrades to suggest rather than queue a dispatch
// the gateway must deny.
func (e *Engine) Disposition(p Pattern, confidence float64, person types.Person, tiers TierResolver) types.Disposition {
	switch {
	case confidence < e.cfg.AskThreshold:
		return types.DispositionNone
	case confidence < e.cfg.SuggestThreshold:
		return types.DispositionAsk
	case confidence < e.cfg.AutoThreshold:
		return types.DispositionSuggest
	}

	if p.ObservationCount < e.cfg.ObservationFloor {
		return types.DispositionSuggest
	}
	if tiers != nil {
		required, known := tiers.RequiredTier(p.Action)
		if !known || !person.Tier.Clears(required) {
			return types.DispositionSuggest
		}
	}
	return types.DispositionAuto
}

// reinforce counts one independent occurrence of a pattern. The
// occurrence key makes it idempotent: re-mining the same history window
// or replaying the same dispatch cannot inflate the count.
func (e *Engine) reinforce(ctx context.Context, p Pattern, occurrenceKey string, gain float64) error {
	dedupKey := "pattern:seen:" + p.ID + ":" + occurrenceKey
	err := e.kv.CompareAndSwap(dedupKey, nil, []byte("1"), seenTTL)
	if errors.Is(err, keyed.ErrRaceConflict) {
		// Already counted this occurrence.
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup occurrence: %w", err)
	}

	err = e.adjust(ctx, p.ID, "", func(cur Pattern, now time.Time) Pattern {
		conf := e.EffectiveConfidence(cur, now)
		cur.Confidence = conf + (1-conf)*gain
		cur.ObservationCount++
		cur.LastObservedAt = now
		return cur
	})
	if err != nil {
		// Release the occurrence so a later retry can still count it.
		if derr := e.kv.Delete(dedupKey); derr != nil {
			e.log.Warn().Err(derr).Str("key", dedupKey).Msg("release occurrence dedup failed")
		}
		return err
	}
	return nil
}

// Confirm records that the user accepted a prompted or suggested action.
func (e *Engine) Confirm(ctx context.Context, patternID string) error {
	return e.adjust(ctx, patternID, VerdictConfirmed, func(cur Pattern, now time.Time) Pattern {
		conf := e.EffectiveConfidence(cur, now)
		cur.Confidence = conf + (1-conf)*confirmGain
		cur.ObservationCount++
		cur.LastObservedAt = now
		return cur
	})
}

// Reject records an explicit "no". Rejection strictly lowers confidence.
func (e *Engine) Reject(ctx context.Context, patternID string) error {
	return e.scale(ctx, patternID, rejectFactor, VerdictRejected)
}

// Cancel records that the user cancelled a pre-announced action inside
// its window. Cancellation is a softer signal than rejection but still
// lowers confidence.
func (e *Engine) Cancel(ctx context.Context, patternID string) error {
	return e.scale(ctx, patternID, cancelFactor, VerdictCancelled)
}

func (e *Engine) scale(ctx context.Context, patternID string, factor float64, verdict string) error {
	return e.adjust(ctx, patternID, verdict, func(cur Pattern, now time.Time) Pattern {
		cur.Confidence = e.EffectiveConfidence(cur, now) * factor
		cur.LastObservedAt = now
		return cur
	})
}

// adjust performs one locked read-modify-write of a pattern row. When a
// verdict is given, the update and the feedback row commit in the same
// transaction. A write that lifts the pattern into a higher
// assertiveness band announces the promotion on the bus.
func (e *Engine) adjust(ctx context.Context, patternID, verdict string, fn func(Pattern, time.Time) Pattern) error {
	lock := e.lockFor(patternID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := e.store.ByID(ctx, patternID)
	if err != nil {
		return err
	}
	now := e.now()
	next := fn(cur, now)
	if next.Confidence < 0 {
		next.Confidence = 0
	}
	if next.Confidence > 1 {
		next.Confidence = 1
	}
	if verdict == "" {
		err = e.store.Update(ctx, next)
	} else {
		err = e.store.UpdateWithFeedback(ctx, next, verdict)
	}
	if err != nil {
		return err
	}

	if e.events != nil && e.bandRank(next.Confidence) > e.bandRank(e.EffectiveConfidence(cur, now)) {
		ev := bus.NewEvent(bus.EventPatternPromoted)
		ev.PatternID = patternID
		ev.Action = next.Action
		if err := e.events.Publish(ev); err != nil {
			e.log.Warn().Err(err).Str("pattern", patternID).Msg("publish promotion failed")
		}
		e.log.Info().
			Str("pattern", patternID).
			Str("action", next.Action).
			Float64("confidence", next.Confidence).
			Msg("pattern promoted")
	}
	return nil
}

// bandRank orders the assertiveness bands so crossings are comparable.
func (e *Engine) bandRank(conf float64) int {
	switch {
	case conf < e.cfg.AskThreshold:
		return 0
	case conf < e.cfg.SuggestThreshold:
		return 1
	case conf < e.cfg.AutoThreshold:
		return 2
	}
	return 3
}

func (e *Engine) lockFor(patternID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(patternID))
	return &e.locks[h.Sum32()%lockShards]
}

// BindBus attaches the event bus for promotion announcements. Optional;
// an unbound engine adjusts confidence silently.
func (e *Engine) BindBus(events *bus.Bus) {
	e.events = events
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE OBSERVATION
// ═══════════════════════════════════════════════════════════════════════════════

// ObserveSensor buffers an environmental trigger for context
// correlation. Triggers older than the context delay are pruned.
func (e *Engine) ObserveSensor(ev types.SensorEvent) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers = append(e.triggers, ev)
	e.pruneLocked(e.now())
}

// ObserveDispatch feeds one dispatched action through the live miners:
// context correlation against buffered triggers and sequence chain
// tracking. Called by the orchestrator after every successful dispatch.
func (e *Engine) ObserveDispatch(ctx context.Context, entry history.Entry) {
	now := entry.Timestamp
	if now.IsZero() {
		now = e.now()
	}

	e.mu.Lock()
	e.pruneLocked(now)
	triggers := make([]types.SensorEvent, len(e.triggers))
	copy(triggers, e.triggers)
	chain := make([]string, 0, len(e.recent)+1)
	for _, r := range e.recent {
		chain = append(chain, r.action)
	}
	e.recent = append(e.recent, recentAction{action: entry.Action, at: now})
	e.mu.Unlock()

	for _, trig := range triggers {
		if now.Sub(trig.At) > e.cfg.ContextDelay {
			continue
		}
		e.observeContext(ctx, trig, entry)
	}

	e.observeSequences(ctx, chain, entry)
}

func (e *Engine) observeContext(ctx context.Context, trig types.SensorEvent, entry history.Entry) {
	sig := contextSignature(trig.EntityID, trig.NewState, entry.Action)
	p, err := e.store.GetOrCreate(ctx, KindContext, sig, entry.Action, entry.Args)
	if err != nil {
		e.log.Warn().Err(err).Str("signature", sig).Msg("context pattern upsert failed")
		return
	}
	if err := e.reinforce(ctx, p, entry.ID, reinforceGain); err != nil {
		e.log.Warn().Err(err).Str("pattern", p.ID).Msg("context reinforcement failed")
	}
}

func (e *Engine) observeSequences(ctx context.Context, chain []string, entry history.Entry) {
	// Chains of two and three ending in the new action.
	for _, depth := range []int{1, 2} {
		if len(chain) < depth {
			continue
		}
		steps := append(append([]string{}, chain[len(chain)-depth:]...), entry.Action)
		sig := sequenceSignature(steps)
		p, err := e.store.GetOrCreate(ctx, KindSequence, sig, entry.Action, entry.Args)
		if err != nil {
			e.log.Warn().Err(err).Str("signature", sig).Msg("sequence pattern upsert failed")
			continue
		}
		if err := e.reinforce(ctx, p, entry.ID, reinforceGain); err != nil {
			e.log.Warn().Err(err).Str("pattern", p.ID).Msg("sequence reinforcement failed")
		}

		// The established order broke: any sibling chain with the same
		// prefix but a different tail loses a little confidence.
		prefix := sequenceSignature(steps[:len(steps)-1]) + ">"
		siblings, err := e.store.List(ctx, KindSequence)
		if err != nil {
			continue
		}
		for _, sib := range siblings {
			if sib.Signature == sig || !strings.HasPrefix(sib.Signature, prefix) {
				continue
			}
			// Not a user verdict, so no feedback row.
			if err := e.scale(ctx, sib.ID, brokenOrderFactor, ""); err != nil && !errors.Is(err, ErrPatternNotFound) {
				e.log.Warn().Err(err).Str("pattern", sib.ID).Msg("broken-order decay failed")
			}
		}
	}
}

func (e *Engine) pruneLocked(now time.Time) {
	keepT := e.triggers[:0]
	for _, t := range e.triggers {
		if now.Sub(t.At) <= e.cfg.ContextDelay {
			keepT = append(keepT, t)
		}
	}
	e.triggers = keepT

	keepR := e.recent[:0]
	for _, r := range e.recent {
		if now.Sub(r.at) <= e.cfg.SequenceWindow {
			keepR = append(keepR, r)
		}
	}
	e.recent = keepR
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANTICIPATION
// ═══════════════════════════════════════════════════════════════════════════════

// Anticipate matches stored patterns against the present moment and
// returns candidate actions with dispositions. Patterns below the ask
// threshold, patterns that don't match right now, and patterns that
// already fired today are filtered out. Candidates are proposals only:
// every one of them still passes through the action gateway.
func (e *Engine) Anticipate(ctx context.Context, person types.Person, tiers TierResolver) ([]Anticipated, error) {
	now := e.now()
	all, err := e.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}

	e.mu.Lock()
	e.pruneLocked(now)
	triggers := make([]types.SensorEvent, len(e.triggers))
	copy(triggers, e.triggers)
	chain := make([]string, 0, len(e.recent))
	for _, r := range e.recent {
		chain = append(chain, r.action)
	}
	e.mu.Unlock()

	var out []Anticipated
	for _, p := range all {
		if !e.matches(p, now, triggers, chain) {
			continue
		}
		conf := e.EffectiveConfidence(p, now)
		disp := e.Disposition(p, conf, person, tiers)
		if disp == types.DispositionNone {
			continue
		}

		firedKey := fmt.Sprintf("pattern:fired:%s:%s", p.ID, now.Format("2006-01-02"))
		n, err := e.kv.Incr(firedKey, firedTTL)
		if err != nil {
			e.log.Warn().Err(err).Str("pattern", p.ID).Msg("fired counter unavailable, skipping candidate")
			continue
		}
		if n > 1 {
			continue
		}

		out = append(out, Anticipated{
			Pattern:     p,
			Confidence:  conf,
			Disposition: disp,
			Request: types.ActionRequest{
				Action:      p.Action,
				Args:        p.Args,
				RequestedBy: person,
				Origin:      "anticipation",
			},
		})
	}
	return out, nil
}

func (e *Engine) matches(p Pattern, now time.Time, triggers []types.SensorEvent, chain []string) bool {
	switch p.Kind {
	case KindTime:
		wd, hour, ok := parseTimeSignature(p.Signature)
		if !ok {
			return false
		}
		if now.Weekday() == wd && now.Hour() == hour {
			return true
		}
		// Shortly before the habitual hour also matches, so a sweep can
		// propose the action ahead of the routine moment.
		lead := now.Add(e.cfg.TimeLead)
		return lead.Weekday() == wd && lead.Hour() == hour
	case KindSequence:
		steps, ok := parseSequenceSignature(p.Signature)
		if !ok || len(steps) < 2 {
			return false
		}
		prefix := steps[:len(steps)-1]
		if len(chain) < len(prefix) {
			return false
		}
		tail := chain[len(chain)-len(prefix):]
		for i := range prefix {
			if tail[i] != prefix[i] {
				return false
			}
		}
		return true
	case KindContext:
		entity, state, ok := parseContextSignature(p.Signature)
		if !ok {
			return false
		}
		for _, t := range triggers {
			if t.EntityID == entity && t.NewState == state && now.Sub(t.At) <= e.cfg.ContextDelay {
				return true
			}
		}
		return false
	default:
		return false
	}
}
