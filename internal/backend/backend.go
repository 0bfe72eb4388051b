// Package backend provides the device-control dispatchers the gateway
// drives. The core treats the backend as opaque: an action name and its
// string arguments go over the wire, and anything beyond "it worked" or
// "it failed" is the backend's business.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/config"
	"github.com/normanking/majordomo/internal/logging"
)

// call is the wire shape of one dispatch.
type call struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// HTTP posts each action to a single device-control endpoint.
type HTTP struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewHTTP creates an HTTP dispatcher for the configured endpoint.
func NewHTTP(cfg config.BackendConfig) *HTTP {
	return &HTTP{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logging.Component("backend"),
	}
}

// Call dispatches one action. Any response other than 2xx is an error;
// the response body is surfaced so device-side failures are diagnosable.
func (h *HTTP) Call(ctx context.Context, action string, args map[string]string) error {
	body, err := json.Marshal(call{Action: action, Args: args})
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch %s: backend returned %d: %s", action, resp.StatusCode, bytes.TrimSpace(detail))
	}

	h.log.Debug().Str("action", action).Msg("dispatched")
	return nil
}

// DryRun logs calls instead of executing them. Used by simulate and
// when no backend URL is configured.
type DryRun struct {
	log zerolog.Logger
}

// NewDryRun creates a dry-run dispatcher.
func NewDryRun() *DryRun {
	return &DryRun{log: logging.Component("backend")}
}

// Call logs the would-be dispatch and succeeds.
func (d *DryRun) Call(_ context.Context, action string, args map[string]string) error {
	d.log.Info().
		Str("action", action).
		Interface("args", args).
		Time("at", time.Now()).
		Msg("dry-run dispatch")
	return nil
}
