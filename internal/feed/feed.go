// Package feed consumes the zone/sensor event stream over a websocket
// and republishes it on the internal bus. The feed is an at-least-once
// source: frames that fail to decode are logged and skipped, never
// silently discarded, and a dropped connection is retried with capped
// exponential backoff until the context is cancelled.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/config"
	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/pkg/types"
)

const maxBackoff = time.Minute

// Client streams sensor events into the bus.
type Client struct {
	url     string
	backoff time.Duration
	events  *bus.Bus
	dialer  *websocket.Dialer
	log     zerolog.Logger
}

// New creates a feed client. Run must be called to start consuming.
func New(cfg config.FeedConfig, events *bus.Bus) *Client {
	return &Client{
		url:     cfg.URL,
		backoff: cfg.ReconnectBackoff,
		events:  events,
		dialer:  websocket.DefaultDialer,
		log:     logging.Component("feed"),
	}
}

// Run connects and consumes frames until the context is cancelled. It
// only returns the context's error; connection failures are retried
// internally.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.consume(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Warn().
				Err(err).
				Dur("backoff", backoff).
				Msg("feed connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if err == nil {
			backoff = c.backoff
		}
	}
}

// consume runs one connection to completion.
func (c *Client) consume(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.log.Info().Str("url", c.url).Msg("feed connected")

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		c.handleFrame(frame)
	}
}

// handleFrame decodes one frame and publishes it. A frame the decoder
// rejects is logged with its size — dropping input without a trace is
// not allowed.
func (c *Client) handleFrame(frame []byte) {
	var ev types.SensorEvent
	if err := json.Unmarshal(frame, &ev); err != nil || ev.EntityID == "" {
		if err == nil {
			err = errors.New("missing entity_id")
		}
		c.log.Warn().
			Err(err).
			Int("bytes", len(frame)).
			Msg("undecodable sensor frame dropped")
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	event := bus.NewEvent(bus.EventSensorStateChanged)
	event.Sensor = &ev
	if err := c.events.Publish(event); err != nil {
		c.log.Error().Err(err).Str("entity", ev.EntityID).Msg("publish sensor event failed")
	}
}
