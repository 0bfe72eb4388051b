// Package config loads and validates Majordomo configuration.
// Configuration is read from ~/.majordomo/config.yaml and can be
// overridden by MAJORDOMO_* environment variables. A malformed
// configuration is fatal at load time — it is never partially applied.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration for the Majordomo core.
type Config struct {
	Data         DataConfig         `mapstructure:"data"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Trust        TrustConfig        `mapstructure:"trust"`
	Anticipation AnticipationConfig `mapstructure:"anticipation"`
	Aggregation  AggregationConfig  `mapstructure:"aggregation"`
	Alarm        AlarmConfig        `mapstructure:"alarm"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Keyed        KeyedConfig        `mapstructure:"keyed"`
	Backend      BackendConfig      `mapstructure:"backend"`
}

// DataConfig locates the SQLite store.
type DataConfig struct {
	// Dir is the data directory (database, badger store, logs).
	Dir string `mapstructure:"dir"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level"`
	// File is an optional path for persistent logs.
	File string `mapstructure:"file"`
}

// TrustConfig locates the trust/autonomy policy.
type TrustConfig struct {
	// PolicyPath is the YAML file mapping people, actions, and rooms to
	// trust tiers. Watched for changes and hot-reloaded.
	PolicyPath string `mapstructure:"policy_path"`
	// PrincipalID is the household identity that anticipation sweeps and
	// sensor stimuli run on behalf of. Must exist in the policy.
	PrincipalID string `mapstructure:"principal_id"`
	// SystemID is the identity protective dispatches (the siren) run
	// under. Must exist in the policy like any other person.
	SystemID string `mapstructure:"system_id"`
}

// AnticipationConfig tunes the pattern and anticipation engine. The
// thresholds partition [0,1] into none/ask/suggest/auto bands.
type AnticipationConfig struct {
	// AskThreshold is the minimum confidence to prompt the user.
	AskThreshold float64 `mapstructure:"ask_threshold"`
	// SuggestThreshold is the minimum confidence to pre-announce an
	// intended action with a cancellation window.
	SuggestThreshold float64 `mapstructure:"suggest_threshold"`
	// AutoThreshold is the minimum confidence to execute without asking.
	AutoThreshold float64 `mapstructure:"auto_threshold"`
	// ObservationFloor is the minimum number of independent observations
	// before a pattern may auto-execute, regardless of confidence.
	ObservationFloor int `mapstructure:"observation_floor"`
	// DecayHalfLife controls exponential confidence decay for patterns
	// that go unobserved.
	DecayHalfLife time.Duration `mapstructure:"decay_half_life"`
	// SequenceWindow is the sliding window within which an action chain
	// counts as a sequence.
	SequenceWindow time.Duration `mapstructure:"sequence_window"`
	// ContextDelay is the maximum delay between an environmental trigger
	// and a user action for them to correlate.
	ContextDelay time.Duration `mapstructure:"context_delay"`
	// CancelWindow is how long a suggested action waits before executing.
	CancelWindow time.Duration `mapstructure:"cancel_window"`
	// AskExpiry is how long an unanswered ask prompt stays actionable
	// before it lapses.
	AskExpiry time.Duration `mapstructure:"ask_expiry"`
	// MinClusterSize is the minimum number of same-slot occurrences
	// before time mining treats a cluster as a habit.
	MinClusterSize int `mapstructure:"min_cluster_size"`
	// MaxMinuteStddev bounds the spread of minutes (within the hour) a
	// time cluster may have and still count as a habit.
	MaxMinuteStddev float64 `mapstructure:"max_minute_stddev"`
	// TimeLead lets a time pattern match slightly ahead of its habitual
	// hour so the proposal can precede the routine moment.
	TimeLead time.Duration `mapstructure:"time_lead"`
}

// AggregationConfig tunes the context aggregator.
type AggregationConfig struct {
	// Deadline bounds the whole context fan-out. Slots that miss it are
	// degraded to unavailable.
	Deadline time.Duration `mapstructure:"deadline"`
}

// AlarmConfig tunes the arming state machine.
type AlarmConfig struct {
	// ExitDelay is the grace period after arming before the system is live.
	ExitDelay time.Duration `mapstructure:"exit_delay"`
	// EntryDelay is the grace period after a delayed zone opens.
	EntryDelay time.Duration `mapstructure:"entry_delay"`
	// Zones are the monitored sensors and their entry-delay policy.
	Zones []ZoneConfig `mapstructure:"zones"`
}

// ZoneConfig is one monitored alarm zone.
type ZoneConfig struct {
	// EntityID is the sensor entity this zone watches.
	EntityID string `mapstructure:"entity_id"`
	// Name is the human-readable zone name.
	Name string `mapstructure:"name"`
	// EntryDelay marks the zone as delayed: opening it while armed starts
	// the entry countdown instead of tripping the alarm immediately.
	EntryDelay bool `mapstructure:"entry_delay"`
	// TriggerState is the sensor state that violates the zone ("open").
	TriggerState string `mapstructure:"trigger_state"`
}

// FeedConfig locates the sensor event feed.
type FeedConfig struct {
	// URL is the websocket endpoint of the sensor event feed.
	URL string `mapstructure:"url"`
	// ReconnectBackoff is the initial backoff between reconnect attempts.
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

// BackendConfig locates the opaque device-control backend.
type BackendConfig struct {
	// URL is the HTTP endpoint actions are dispatched to. Empty selects
	// the dry-run backend, which logs calls instead of executing them.
	URL string `mapstructure:"url"`
	// Timeout bounds one dispatch call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// KeyedConfig tunes the keyed low-latency store.
type KeyedConfig struct {
	// CASRetries bounds compare-and-swap retries before a race conflict
	// is surfaced as a transient failure.
	CASRetries int `mapstructure:"cas_retries"`
	// CASBackoff is the base backoff between compare-and-swap retries.
	CASBackoff time.Duration `mapstructure:"cas_backoff"`
}

// Load reads configuration from the given path (or the default location
// when empty), applies defaults and environment overrides, and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".majordomo"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MAJORDOMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine — defaults apply. Anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if path != "" || !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.dir", defaultDataDir())
	v.SetDefault("logging.level", "info")

	v.SetDefault("trust.policy_path", filepath.Join(defaultDataDir(), "policy.yaml"))
	v.SetDefault("trust.principal_id", "household")
	v.SetDefault("trust.system_id", "majordomo")

	v.SetDefault("anticipation.ask_threshold", 0.40)
	v.SetDefault("anticipation.suggest_threshold", 0.65)
	v.SetDefault("anticipation.auto_threshold", 0.85)
	v.SetDefault("anticipation.observation_floor", 5)
	v.SetDefault("anticipation.decay_half_life", 14*24*time.Hour)
	v.SetDefault("anticipation.sequence_window", 10*time.Minute)
	v.SetDefault("anticipation.context_delay", 15*time.Minute)
	v.SetDefault("anticipation.cancel_window", 30*time.Second)
	v.SetDefault("anticipation.ask_expiry", time.Hour)
	v.SetDefault("anticipation.min_cluster_size", 3)
	v.SetDefault("anticipation.max_minute_stddev", 20.0)
	v.SetDefault("anticipation.time_lead", 10*time.Minute)

	v.SetDefault("aggregation.deadline", 2*time.Second)

	v.SetDefault("alarm.exit_delay", 60*time.Second)
	v.SetDefault("alarm.entry_delay", 30*time.Second)

	v.SetDefault("feed.url", "ws://localhost:8123/api/websocket")
	v.SetDefault("feed.reconnect_backoff", 2*time.Second)

	v.SetDefault("backend.timeout", 5*time.Second)

	v.SetDefault("keyed.cas_retries", 4)
	v.SetDefault("keyed.cas_backoff", 10*time.Millisecond)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".majordomo"
	}
	return filepath.Join(home, ".majordomo")
}

// Validate checks internal consistency. Called by Load; exported so tests
// and the simulate command can validate hand-built configs.
func (c *Config) Validate() error {
	a := c.Anticipation
	if a.AskThreshold <= 0 || a.AskThreshold >= 1 {
		return fmt.Errorf("anticipation.ask_threshold must be in (0,1), got %v", a.AskThreshold)
	}
	if !(a.AskThreshold < a.SuggestThreshold && a.SuggestThreshold < a.AutoThreshold) {
		return fmt.Errorf("anticipation thresholds must satisfy ask < suggest < auto, got %v/%v/%v",
			a.AskThreshold, a.SuggestThreshold, a.AutoThreshold)
	}
	if a.AutoThreshold > 1 {
		return fmt.Errorf("anticipation.auto_threshold must be <= 1, got %v", a.AutoThreshold)
	}
	if a.ObservationFloor < 3 {
		return fmt.Errorf("anticipation.observation_floor must be >= 3, got %d", a.ObservationFloor)
	}
	if a.DecayHalfLife <= 0 {
		return fmt.Errorf("anticipation.decay_half_life must be positive")
	}
	if a.SequenceWindow <= 0 || a.ContextDelay <= 0 || a.CancelWindow <= 0 || a.AskExpiry <= 0 {
		return fmt.Errorf("anticipation windows must be positive")
	}
	if a.MinClusterSize < 2 {
		return fmt.Errorf("anticipation.min_cluster_size must be >= 2, got %d", a.MinClusterSize)
	}
	if a.MaxMinuteStddev <= 0 {
		return fmt.Errorf("anticipation.max_minute_stddev must be positive, got %v", a.MaxMinuteStddev)
	}
	if a.TimeLead < 0 {
		return fmt.Errorf("anticipation.time_lead must not be negative, got %v", a.TimeLead)
	}

	if c.Aggregation.Deadline <= 0 {
		return fmt.Errorf("aggregation.deadline must be positive")
	}
	if c.Alarm.ExitDelay <= 0 || c.Alarm.EntryDelay <= 0 {
		return fmt.Errorf("alarm delays must be positive")
	}
	for i, z := range c.Alarm.Zones {
		if z.EntityID == "" {
			return fmt.Errorf("alarm.zones[%d]: entity_id is required", i)
		}
		if z.TriggerState == "" {
			return fmt.Errorf("alarm.zones[%d]: trigger_state is required", i)
		}
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Keyed.CASRetries < 1 {
		return fmt.Errorf("keyed.cas_retries must be >= 1, got %d", c.Keyed.CASRetries)
	}
	if c.Keyed.CASBackoff <= 0 {
		return fmt.Errorf("keyed.cas_backoff must be positive")
	}
	return nil
}
