// Package orchestrator ties the pipeline together: every stimulus runs
// profile → aggregate → candidate composition → per-candidate gateway
// authorization → dispatch or suggestion. All request state is passed
// by value through the pipeline; the only mutable state here is the
// table of suggestions waiting on a user verdict or a cancel window.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/aggregator"
	"github.com/normanking/majordomo/internal/alarm"
	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/fsm"
	"github.com/normanking/majordomo/internal/gateway"
	"github.com/normanking/majordomo/internal/history"
	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/internal/patterns"
	"github.com/normanking/majordomo/internal/profiler"
	"github.com/normanking/majordomo/internal/trust"
	"github.com/normanking/majordomo/pkg/types"
)

// ErrUnknownSuggestion is returned when a verdict arrives for a
// suggestion that was never emitted, already resolved, or expired.
var ErrUnknownSuggestion = errors.New("orchestrator: unknown suggestion")

const (
	sweepInterval  = time.Minute
	miningInterval = time.Hour
)

// Deps are the orchestrator's collaborators, all constructed eagerly at
// startup.
type Deps struct {
	Profiler   *profiler.Profiler
	Aggregator *aggregator.Aggregator
	Gateway    *gateway.Gateway
	Engine     *patterns.Engine
	Alarm      *alarm.Controller
	Registry   *trust.Registry
	Bus        *bus.Bus

	// CancelWindow is how long a suggest-disposition action waits for a
	// cancellation before executing.
	CancelWindow time.Duration

	// AskExpiry is how long an ask prompt waits for a verdict before it
	// lapses. Zero disables expiry.
	AskExpiry time.Duration

	// Principal is the household identity anticipation sweeps run on
	// behalf of when no specific person produced the stimulus.
	Principal types.Person
}

// Result summarizes what one stimulus produced.
type Result struct {
	Profile     profiler.ActivationProfile `json:"profile"`
	Bundle      aggregator.ContextBundle   `json:"bundle"`
	Receipts    []types.DispatchReceipt    `json:"receipts,omitempty"`
	Denials     []*types.Denial            `json:"denials,omitempty"`
	Suggestions []types.Suggestion         `json:"suggestions,omitempty"`
	AlarmState  fsm.State                  `json:"alarm_state,omitempty"`
}

type pendingSuggestion struct {
	suggestion types.Suggestion
	request    types.ActionRequest
	patternID  string
	timer      *time.Timer // cancel window (suggest) or expiry (ask)
}

// Orchestrator drives the per-stimulus pipeline.
type Orchestrator struct {
	deps    Deps
	intents []intentRule
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSuggestion
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:    deps,
		intents: buildIntentRules(),
		log:     logging.Component("orchestrator"),
		pending: make(map[string]*pendingSuggestion),
	}
}

// Start subscribes to the sensor stream and launches the periodic
// anticipation sweep and mining loops. It returns immediately; the
// loops stop when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.deps.Bus.Subscribe(bus.EventSensorStateChanged, func(e bus.Event) {
		if e.Sensor == nil {
			return
		}
		stimulus := types.Stimulus{
			Kind:   types.StimulusSensor,
			Person: o.deps.Principal,
			Sensor: e.Sensor,
			At:     e.Sensor.At,
		}
		if _, err := o.Handle(ctx, stimulus); err != nil {
			o.log.Error().Err(err).Str("entity", e.Sensor.EntityID).Msg("sensor stimulus failed")
		}
	})
	go o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	mine := time.NewTicker(miningInterval)
	defer sweep.Stop()
	defer mine.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			stimulus := types.Stimulus{Kind: types.StimulusTick, Person: o.deps.Principal, At: time.Now()}
			if _, err := o.Handle(ctx, stimulus); err != nil {
				o.log.Error().Err(err).Msg("anticipation sweep failed")
			}
		case <-mine.C:
			if _, err := o.deps.Engine.MineTimePatterns(ctx); err != nil {
				o.log.Error().Err(err).Msg("mining sweep failed")
			}
		}
	}
}

// Stop cancels all pending suggestion windows without executing them.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, p := range o.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(o.pending, id)
	}
}

// Handle runs one stimulus through the pipeline.
func (o *Orchestrator) Handle(ctx context.Context, stimulus types.Stimulus) (Result, error) {
	profile := o.deps.Profiler.Classify(stimulus)
	res := Result{
		Profile: profile,
		Bundle:  o.deps.Aggregator.Aggregate(ctx, profile),
	}

	switch stimulus.Kind {
	case types.StimulusUtterance:
		req, ok := o.parseIntent(stimulus.Text, stimulus.Person)
		if !ok {
			o.log.Info().Str("person", stimulus.Person.ID).Msg("utterance carried no actionable intent")
			break
		}
		o.execute(ctx, req, &res)

	case types.StimulusSensor:
		if stimulus.Sensor != nil {
			o.deps.Engine.ObserveSensor(*stimulus.Sensor)
			o.deps.Alarm.HandleSensor(ctx, *stimulus.Sensor)
			res.AlarmState = o.deps.Alarm.State()
		}
		o.anticipate(ctx, stimulus.Person, &res)

	case types.StimulusTick, types.StimulusPattern:
		o.anticipate(ctx, stimulus.Person, &res)

	default:
		return res, fmt.Errorf("orchestrator: unknown stimulus kind %q", stimulus.Kind)
	}

	return res, nil
}

// execute routes one candidate: alarm-domain actions go through the
// alarm controller (which itself gateways them), everything else goes
// straight through the gateway. Authorization happens inside those
// paths, per candidate, at execution time.
func (o *Orchestrator) execute(ctx context.Context, req types.ActionRequest, res *Result) {
	if alarm.IsAlarmAction(req.Action) {
		if err := o.deps.Alarm.Execute(ctx, req); err != nil {
			o.recordFailure(req, err, res)
		}
		res.AlarmState = o.deps.Alarm.State()
		return
	}

	receipt, err := o.deps.Gateway.AuthorizeAndDispatch(ctx, req)
	if err != nil {
		o.recordFailure(req, err, res)
		return
	}
	res.Receipts = append(res.Receipts, receipt)

	// Feed the dispatch to the live miners.
	o.deps.Engine.ObserveDispatch(ctx, history.Entry{
		ID:         receipt.ID,
		Timestamp:  receipt.DispatchedAt,
		PersonID:   req.RequestedBy.ID,
		PersonName: req.RequestedBy.Name,
		Action:     req.Action,
		Args:       req.Args,
	})
}

func (o *Orchestrator) recordFailure(req types.ActionRequest, err error, res *Result) {
	var denial *types.Denial
	if errors.As(err, &denial) {
		res.Denials = append(res.Denials, denial)
		return
	}
	if errors.Is(err, fsm.ErrInvalidTransition) {
		o.log.Warn().Err(err).Str("action", req.Action).Msg("alarm rejected transition")
		return
	}
	o.log.Error().Err(err).Str("action", req.Action).Msg("dispatch failed")
}

// anticipate turns matched patterns into dispatches or suggestions.
func (o *Orchestrator) anticipate(ctx context.Context, person types.Person, res *Result) {
	if person.ID == "" {
		person = o.deps.Principal
	}
	snap := o.deps.Registry.Snapshot()
	candidates, err := o.deps.Engine.Anticipate(ctx, person, snap)
	if err != nil {
		o.log.Warn().Err(err).Msg("anticipation failed")
		return
	}

	for _, c := range candidates {
		switch c.Disposition {
		case types.DispositionAuto:
			o.execute(ctx, c.Request, res)
			// Inform after the fact; nothing to cancel.
			o.emit(types.Suggestion{
				ID:          "sug_" + uuid.New().String(),
				Disposition: types.DispositionAuto,
				Text:        fmt.Sprintf("Done: %s", c.Request.Action),
				PatternID:   c.Pattern.ID,
			}, res)

		case types.DispositionSuggest, types.DispositionAsk:
			o.track(c, res)
		}
	}
}

// track registers a suggestion awaiting a verdict. A suggest arms the
// cancel window, after which the action executes unanswered; an ask arms
// the expiry, after which the prompt lapses without executing.
func (o *Orchestrator) track(c patterns.Anticipated, res *Result) {
	req := c.Request
	s := types.Suggestion{
		ID:          "sug_" + uuid.New().String(),
		Disposition: c.Disposition,
		Text:        suggestionText(c),
		Action:      &req,
		PatternID:   c.Pattern.ID,
	}
	if c.Disposition == types.DispositionSuggest {
		s.CancelWindow = o.deps.CancelWindow
	}

	p := &pendingSuggestion{suggestion: s, request: c.Request, patternID: c.Pattern.ID}
	id := s.ID
	switch c.Disposition {
	case types.DispositionSuggest:
		p.timer = time.AfterFunc(o.deps.CancelWindow, func() { o.executeSuggestion(id) })
	case types.DispositionAsk:
		if o.deps.AskExpiry > 0 {
			p.timer = time.AfterFunc(o.deps.AskExpiry, func() { o.expireSuggestion(id) })
		}
	}

	o.mu.Lock()
	o.pending[s.ID] = p
	o.mu.Unlock()

	o.emit(s, res)
}

func suggestionText(c patterns.Anticipated) string {
	if c.Disposition == types.DispositionAsk {
		return fmt.Sprintf("Should I %s?", c.Request.Action)
	}
	return fmt.Sprintf("I'll %s in a moment unless you say otherwise.", c.Request.Action)
}

func (o *Orchestrator) emit(s types.Suggestion, res *Result) {
	res.Suggestions = append(res.Suggestions, s)
	event := bus.NewEvent(bus.EventSuggestionEmitted)
	event.Suggestion = &s
	event.PatternID = s.PatternID
	if err := o.deps.Bus.Publish(event); err != nil {
		o.log.Error().Err(err).Msg("publish suggestion failed")
	}
}

// executeSuggestion fires when a cancel window elapses unanswered.
func (o *Orchestrator) executeSuggestion(id string) {
	p, ok := o.take(id)
	if !ok {
		// Cancelled (or confirmed) before the window elapsed.
		return
	}
	var res Result
	o.execute(context.Background(), p.request, &res)
	o.log.Info().
		Str("suggestion", id).
		Str("action", p.request.Action).
		Msg("suggestion window elapsed, executed")
}

// expireSuggestion fires when an ask goes unanswered past its expiry.
// The prompt simply lapses: no execution, no feedback, and a later
// verdict finds nothing.
func (o *Orchestrator) expireSuggestion(id string) {
	p, ok := o.take(id)
	if !ok {
		return
	}
	o.log.Info().
		Str("suggestion", id).
		Str("action", p.request.Action).
		Msg("ask expired unanswered")
}

// Confirm applies a positive verdict: the action runs now and the
// pattern is reinforced.
func (o *Orchestrator) Confirm(ctx context.Context, suggestionID string) (Result, error) {
	p, ok := o.take(suggestionID)
	if !ok {
		return Result{}, ErrUnknownSuggestion
	}
	if err := o.deps.Engine.Confirm(ctx, p.patternID); err != nil {
		o.log.Warn().Err(err).Str("pattern", p.patternID).Msg("confirm feedback failed")
	}

	var res Result
	o.execute(ctx, p.request, &res)
	return res, nil
}

// Decline applies a negative verdict. The outcome is terminal and
// distinct from execution: a declined ask is a rejection, a cancelled
// suggest window is a cancellation, and both lower the pattern's
// confidence.
func (o *Orchestrator) Decline(ctx context.Context, suggestionID string) error {
	p, ok := o.take(suggestionID)
	if !ok {
		return ErrUnknownSuggestion
	}

	var err error
	if p.suggestion.Disposition == types.DispositionSuggest {
		err = o.deps.Engine.Cancel(ctx, p.patternID)
	} else {
		err = o.deps.Engine.Reject(ctx, p.patternID)
	}
	if err != nil {
		o.log.Warn().Err(err).Str("pattern", p.patternID).Msg("decline feedback failed")
	}

	o.log.Info().
		Str("suggestion", suggestionID).
		Str("action", p.request.Action).
		Msg("suggestion declined")
	return nil
}

// take removes and returns a pending suggestion, stopping its timer.
// The remove-then-act shape makes verdict races safe: exactly one of
// the window timer, Confirm, or Decline wins the entry.
func (o *Orchestrator) take(id string) (*pendingSuggestion, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[id]
	if !ok {
		return nil, false
	}
	delete(o.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}
