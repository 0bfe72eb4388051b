// Command majordomo runs the household orchestration core: the trust
// gateway, the context aggregator, the pattern and anticipation engine,
// and the alarm state machine, fed by the sensor event stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/majordomo/internal/aggregator"
	"github.com/normanking/majordomo/internal/alarm"
	"github.com/normanking/majordomo/internal/backend"
	"github.com/normanking/majordomo/internal/bus"
	"github.com/normanking/majordomo/internal/config"
	"github.com/normanking/majordomo/internal/data"
	"github.com/normanking/majordomo/internal/feed"
	"github.com/normanking/majordomo/internal/gateway"
	"github.com/normanking/majordomo/internal/history"
	"github.com/normanking/majordomo/internal/keyed"
	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/internal/orchestrator"
	"github.com/normanking/majordomo/internal/patterns"
	"github.com/normanking/majordomo/internal/profiler"
	"github.com/normanking/majordomo/internal/trust"
	"github.com/normanking/majordomo/pkg/types"
)

var (
	version = "0.3.0"

	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "majordomo",
		Short: "Majordomo household orchestration core",
		Long: `Majordomo is the decision core of a household butler: every
device-affecting action passes through a single trust gateway, context is
gathered under a hard deadline, and observed routines graduate from ask to
suggest to autonomous execution as confidence accrues.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ~/.majordomo/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════
// Startup
// ═══════════════════════════════════════════════════════════════════════

// setup loads configuration and initializes logging. The returned close
// function flushes the log file on shutdown.
func setup() (*config.Config, func() error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	closer, err := logging.Setup(logging.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Console: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

// core is the assembled pipeline. Everything is constructed eagerly;
// a core that starts is a core whose collaborators all opened.
type core struct {
	cfg      *config.Config
	store    *data.Store
	kv       *keyed.Store
	registry *trust.Registry
	events   *bus.Bus
	hist     *history.Log
	gw       *gateway.Gateway
	engine   *patterns.Engine
	alarm    *alarm.Controller
	orch     *orchestrator.Orchestrator
}

// buildCore wires the pipeline: data → keyed → trust → bus → gateway →
// engine → alarm → orchestrator. The dispatcher is the only seam the
// caller chooses (live HTTP backend or dry-run).
func buildCore(cfg *config.Config, dispatcher gateway.Dispatcher) (*core, error) {
	store, err := data.NewDB(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Health(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}

	kv, err := keyed.Open(keyed.Options{
		Dir:        filepath.Join(cfg.Data.Dir, "keyed"),
		CASRetries: cfg.Keyed.CASRetries,
		CASBackoff: cfg.Keyed.CASBackoff,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open keyed store: %w", err)
	}

	registry, err := trust.NewRegistry(cfg.Trust.PolicyPath)
	if err != nil {
		kv.Close()
		store.Close()
		return nil, fmt.Errorf("load trust policy: %w", err)
	}

	events := bus.New()
	hist := history.NewLog(store.DB())
	gw := gateway.New(registry, dispatcher, hist, events)

	engine := patterns.NewEngine(patterns.NewStore(store), kv, cfg.Anticipation)
	engine.BindHistory(hist)
	engine.BindBus(events)

	zones := make([]alarm.Zone, 0, len(cfg.Alarm.Zones))
	for _, z := range cfg.Alarm.Zones {
		zones = append(zones, alarm.Zone{
			EntityID:     z.EntityID,
			Name:         z.Name,
			EntryDelay:   z.EntryDelay,
			TriggerState: z.TriggerState,
		})
	}
	if _, ok := registry.Snapshot().Person(cfg.Trust.SystemID); !ok {
		log.Warn().
			Str("system_id", cfg.Trust.SystemID).
			Msg("system identity missing from trust policy, protective dispatches will enter at guest tier")
	}
	system := registry.Recognize(cfg.Trust.SystemID, "Majordomo")
	alarmCtl := alarm.New(gw, events, kv, cfg.Alarm, zones, system)

	c := &core{
		cfg:      cfg,
		store:    store,
		kv:       kv,
		registry: registry,
		events:   events,
		hist:     hist,
		gw:       gw,
		engine:   engine,
		alarm:    alarmCtl,
	}

	agg := aggregator.New(cfg.Aggregation.Deadline)
	sources := []struct {
		name string
		fn   aggregator.SourceFunc
	}{
		{aggregator.SourceHouseStatus, c.houseStatus},
		{aggregator.SourceSecurityScore, c.securityScore},
		{aggregator.SourceMemorySearch, c.recentActions},
	}
	for _, src := range sources {
		if err := agg.Register(src.name, src.fn); err != nil {
			c.close()
			return nil, fmt.Errorf("register context source %s: %w", src.name, err)
		}
	}

	c.orch = orchestrator.New(orchestrator.Deps{
		Profiler:     profiler.New(),
		Aggregator:   agg,
		Gateway:      gw,
		Engine:       engine,
		Alarm:        alarmCtl,
		Registry:     registry,
		Bus:          events,
		CancelWindow: cfg.Anticipation.CancelWindow,
		AskExpiry:    cfg.Anticipation.AskExpiry,
		Principal:    registry.Recognize(cfg.Trust.PrincipalID, "Household"),
	})
	return c, nil
}

// close tears the core down in reverse dependency order. Safe on a
// partially built core (wiring failed before the orchestrator existed).
func (c *core) close() {
	if c.orch != nil {
		c.orch.Stop()
	}
	c.alarm.Stop()
	c.registry.Close()
	c.events.Close()
	if err := c.kv.Close(); err != nil {
		log.Warn().Err(err).Msg("close keyed store")
	}
	if err := c.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close database")
	}
}

// ═══════════════════════════════════════════════════════════════════════
// Context sources
// ═══════════════════════════════════════════════════════════════════════

// houseStatus reports the alarm state and the zone inventory.
func (c *core) houseStatus(_ context.Context) (map[string]string, error) {
	return map[string]string{
		"alarm_state": string(c.alarm.State()),
		"zones":       strconv.Itoa(len(c.cfg.Alarm.Zones)),
	}, nil
}

// securityScore is a coarse posture indicator derived from the alarm
// state: disarmed reads low, pending states read medium, armed and
// triggered read high.
func (c *core) securityScore(_ context.Context) (map[string]string, error) {
	score := "low"
	switch c.alarm.State() {
	case alarm.StatePendingExit, alarm.StatePendingEntry:
		score = "medium"
	case alarm.StateArmedHome, alarm.StateArmedAway, alarm.StateArmedNight, alarm.StateTriggered:
		score = "high"
	}
	return map[string]string{"score": score}, nil
}

// recentActions summarizes the last day of dispatched actions.
func (c *core) recentActions(ctx context.Context) (map[string]string, error) {
	entries, err := c.hist.Since(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	values := map[string]string{"count": strconv.Itoa(len(entries))}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		values["last_action"] = last.Action
		values["last_at"] = last.Timestamp.Format(time.RFC3339)
	}
	return values, nil
}

// ═══════════════════════════════════════════════════════════════════════
// Commands
// ═══════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logClose, err := setup()
			if err != nil {
				return err
			}
			defer logClose()

			var dispatcher gateway.Dispatcher
			if cfg.Backend.URL != "" {
				dispatcher = backend.NewHTTP(cfg.Backend)
			} else {
				log.Warn().Msg("no backend URL configured, running dry-run dispatches")
				dispatcher = backend.NewDryRun()
			}

			c, err := buildCore(cfg, dispatcher)
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.registry.Watch(); err != nil {
				return fmt.Errorf("watch trust policy: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c.orch.Start(ctx)
			feedClient := feed.New(cfg.Feed, c.events)
			go feedClient.Run(ctx)

			log.Info().
				Str("version", version).
				Str("feed", cfg.Feed.URL).
				Int("zones", len(cfg.Alarm.Zones)).
				Msg("majordomo core running")

			<-ctx.Done()
			log.Info().Msg("shutting down")
			return nil
		},
	}
}

func simulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <stimuli-file>",
		Short: "Replay newline-delimited stimuli through the pipeline",
		Long: `Replays a file of stimuli, one JSON object per line, through the full
pipeline with a dry-run backend. Blank lines and lines starting with #
are skipped. Each stimulus prints its pipeline result to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logClose, err := setup()
			if err != nil {
				return err
			}
			defer logClose()

			c, err := buildCore(cfg, backend.NewDryRun())
			if err != nil {
				return err
			}
			defer c.close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open stimuli file: %w", err)
			}
			defer f.Close()

			ctx := context.Background()
			out := json.NewEncoder(os.Stdout)
			scanner := bufio.NewScanner(f)
			line := 0
			for scanner.Scan() {
				line++
				raw := scanner.Bytes()
				if len(raw) == 0 || raw[0] == '#' {
					continue
				}

				var stimulus types.Stimulus
				if err := json.Unmarshal(raw, &stimulus); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				if stimulus.At.IsZero() {
					stimulus.At = time.Now()
				}
				// Attach the policy record so tiers come from the
				// policy, never from the file. Person-less stimuli
				// (sensor frames, ticks) run as the principal.
				if stimulus.Person.ID != "" {
					stimulus.Person = c.registry.Recognize(stimulus.Person.ID, stimulus.Person.Name)
				}

				res, err := c.orch.Handle(ctx, stimulus)
				if err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				if err := out.Encode(res); err != nil {
					return err
				}
			}
			return scanner.Err()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("majordomo %s\n", version)
		},
	}
}
