package patterns

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/majordomo/internal/history"
)

// miningLookback is the history window each sweep reads. A cluster only
// becomes a pattern when the same action recurs in the same (weekday,
// hour) slot at least MinClusterSize times with low minute spread; both
// bounds come from configuration.
const miningLookback = 28 * 24 * time.Hour

// MineTimePatterns sweeps the action history for recurring time-of-day
// habits and reinforces the matching patterns. Reinforcement is deduped
// per history entry, so running the sweep repeatedly over the same
// window is idempotent.
func (e *Engine) MineTimePatterns(ctx context.Context) (int, error) {
	now := e.now()
	entries, err := e.history(ctx, now.Add(-miningLookback))
	if err != nil {
		return 0, fmt.Errorf("read history window: %w", err)
	}

	type cluster struct {
		entries []history.Entry
		minutes []float64
	}
	clusters := make(map[string]*cluster)
	for _, entry := range entries {
		sig := timeSignature(entry.Action, entry.Timestamp.Weekday(), entry.Timestamp.Hour())
		c, ok := clusters[sig]
		if !ok {
			c = &cluster{}
			clusters[sig] = c
		}
		c.entries = append(c.entries, entry)
		c.minutes = append(c.minutes, float64(entry.Timestamp.Minute()))
	}

	reinforced := 0
	for sig, c := range clusters {
		if len(c.entries) < e.cfg.MinClusterSize {
			continue
		}
		if stddev(c.minutes) > e.cfg.MaxMinuteStddev {
			// Same hour but scattered minutes: a coincidence, not a habit.
			continue
		}

		latest := c.entries[len(c.entries)-1]
		p, err := e.store.GetOrCreate(ctx, KindTime, sig, latest.Action, latest.Args)
		if err != nil {
			e.log.Warn().Err(err).Str("signature", sig).Msg("time pattern upsert failed")
			continue
		}
		for _, entry := range c.entries {
			if err := e.reinforce(ctx, p, entry.ID, reinforceGain); err != nil {
				e.log.Warn().Err(err).Str("pattern", p.ID).Msg("time reinforcement failed")
				continue
			}
		}
		reinforced++
	}

	e.log.Debug().
		Int("entries", len(entries)).
		Int("patterns", reinforced).
		Msg("time mining sweep complete")
	return reinforced, nil
}

// history reads the mining window. Split out so tests can drive the
// miner without a full orchestrator.
func (e *Engine) history(ctx context.Context, cutoff time.Time) ([]history.Entry, error) {
	if e.hist == nil {
		return nil, nil
	}
	return e.hist.Since(ctx, cutoff)
}

// BindHistory attaches the action log the miner reads from. Done once
// at wiring time, before any sweep runs.
func (e *Engine) BindHistory(hist *history.Log) {
	e.hist = hist
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return math.Sqrt(variance / float64(len(xs)))
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNATURES
// ═══════════════════════════════════════════════════════════════════════════════

// Signatures are the natural keys patterns are deduplicated on. They are
// stable strings so the same habit observed twice lands on the same row.

func timeSignature(action string, wd time.Weekday, hour int) string {
	return fmt.Sprintf("time|%s|%d|%02d", action, int(wd), hour)
}

func parseTimeSignature(sig string) (time.Weekday, int, bool) {
	parts := strings.Split(sig, "|")
	if len(parts) != 4 || parts[0] != "time" {
		return 0, 0, false
	}
	wd, err1 := strconv.Atoi(parts[2])
	hour, err2 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || wd < 0 || wd > 6 || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	return time.Weekday(wd), hour, true
}

func sequenceSignature(steps []string) string {
	return "seq|" + strings.Join(steps, ">")
}

func parseSequenceSignature(sig string) ([]string, bool) {
	rest, ok := strings.CutPrefix(sig, "seq|")
	if !ok || rest == "" {
		return nil, false
	}
	return strings.Split(rest, ">"), true
}

func contextSignature(entity, state, action string) string {
	return fmt.Sprintf("ctx|%s=%s|%s", entity, state, action)
}

func parseContextSignature(sig string) (entity, state string, ok bool) {
	parts := strings.Split(sig, "|")
	if len(parts) != 3 || parts[0] != "ctx" {
		return "", "", false
	}
	entity, state, ok = strings.Cut(parts[1], "=")
	return entity, state, ok
}
