// Package gateway implements the single mandatory choke point for
// device-affecting actions. Nothing in the system calls the device
// backend except through AuthorizeAndDispatch: the dispatcher is a
// private field here and no other package holds a reference to it.
//
// Authorization is evaluated exactly once, synchronously, immediately
// before dispatch. A plan composed of several requests authorizes each
// one at its own execution time — never the plan as a whole at creation
// time, and never against an intermediate planning step.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/history"
	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/internal/trust"
	"github.com/normanking/majordomo/pkg/types"
)

// Dispatcher is the opaque device-control backend. The core does not
// interpret device semantics beyond the action name.
type Dispatcher interface {
	Call(ctx context.Context, action string, args map[string]string) error
}

// Gateway authorizes and dispatches action requests.
type Gateway struct {
	registry   *trust.Registry
	dispatcher Dispatcher
	log        *history.Log
	events     *bus.Bus
	zlog       zerolog.Logger
}

// New creates a gateway. All collaborators are required; the gateway is
// constructed eagerly at startup.
func New(registry *trust.Registry, dispatcher Dispatcher, log *history.Log, events *bus.Bus) *Gateway {
	return &Gateway{
		registry:   registry,
		dispatcher: dispatcher,
		log:        log,
		events:     events,
		zlog:       logging.Component("gateway"),
	}
}

// AuthorizeAndDispatch authorizes a single fully-resolved action request
// and, on success, dispatches it to the device backend and appends it to
// the action history. On authorization failure the returned error is a
// *types.Denial; nothing is partially executed.
func (g *Gateway) AuthorizeAndDispatch(ctx context.Context, req types.ActionRequest) (types.DispatchReceipt, error) {
	// One snapshot for the whole authorize+dispatch critical section.
	// Taken here, at execution time — not when the request was planned,
	// and not when any countdown that produced it started.
	snap := g.registry.Snapshot()

	if denial := g.authorize(snap, req); denial != nil {
		g.zlog.Warn().
			Str("action", req.Action).
			Str("person", req.RequestedBy.ID).
			Str("reason", denial.Reason).
			Str("origin", req.Origin).
			Msg("action denied")
		g.publishDenial(req, denial)
		return types.DispatchReceipt{}, denial
	}

	if err := g.dispatcher.Call(ctx, req.Action, req.Args); err != nil {
		return types.DispatchReceipt{}, fmt.Errorf("dispatch %s: %w", req.Action, err)
	}

	receipt := types.DispatchReceipt{
		ID:           "rcpt_" + uuid.New().String(),
		Action:       req.Action,
		DispatchedAt: time.Now(),
	}

	// Best-effort freshness: the history write lands before we return so
	// the next pattern-engine run can usually see it, but dispatch has
	// already happened and is not rolled back on a log failure.
	entry := history.Entry{
		Timestamp:  receipt.DispatchedAt,
		PersonID:   req.RequestedBy.ID,
		PersonName: req.RequestedBy.Name,
		Action:     req.Action,
		Args:       req.Args,
		Context:    map[string]string{"origin": req.Origin, "room": req.Room},
	}
	if err := g.log.Append(ctx, entry); err != nil {
		g.zlog.Error().Err(err).Str("action", req.Action).Msg("history append failed after dispatch")
	}

	event := bus.NewEvent(bus.EventActionDispatched)
	event.Action = req.Action
	event.Person = req.RequestedBy.ID
	if err := g.events.Publish(event); err != nil {
		g.zlog.Error().Err(err).Msg("publish dispatch event failed")
	}

	g.zlog.Info().
		Str("action", req.Action).
		Str("person", req.RequestedBy.ID).
		Str("origin", req.Origin).
		Msg("action dispatched")
	return receipt, nil
}

// authorize evaluates the request against a single policy snapshot. The
// required tier comes from the static action registry, never from the
// request's own framing — splitting a sensitive action into innocuous
// sub-steps buys nothing because each sub-step is looked up on its own.
func (g *Gateway) authorize(snap trust.Snapshot, req types.ActionRequest) *types.Denial {
	person, known := snap.Person(req.RequestedBy.ID)
	if !known {
		return &types.Denial{
			Reason: types.DenyUnknownPerson,
			Action: req.Action,
			Person: req.RequestedBy.ID,
		}
	}

	required, _ := snap.RequiredTier(req.Action)
	if !person.Tier.Clears(required) {
		return &types.Denial{
			Reason: types.DenyInsufficientTrust,
			Action: req.Action,
			Person: person.ID,
		}
	}

	if req.Room != "" {
		if !person.InScope(req.Room) || !snap.RoomAdmits(req.Room, person.Tier) {
			return &types.Denial{
				Reason: types.DenyOutOfRoomScope,
				Action: req.Action,
				Person: person.ID,
			}
		}
	}

	return nil
}

func (g *Gateway) publishDenial(req types.ActionRequest, denial *types.Denial) {
	event := bus.NewEvent(bus.EventActionDenied)
	event.Action = req.Action
	event.Person = req.RequestedBy.ID
	event.Reason = denial.Reason
	if err := g.events.Publish(event); err != nil {
		g.zlog.Error().Err(err).Msg("publish denial event failed")
	}
}
