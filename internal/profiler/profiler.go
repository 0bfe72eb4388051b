// Package profiler implements the request profiler: a cheap, pure
// classifier that decides, per stimulus, which optional subsystems the
// context aggregator needs to invoke. It runs weighted regex heuristics
// over the stimulus text — no model inference, no I/O, designed for
// ~1ms latency.
//
// The default profile activates every subsystem; every other profile is
// a strict subset of it. Trust resolution is not represented here at
// all: it cannot be disabled, so it is not a flag.
package profiler

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/normanking/majordomo/pkg/types"
)

// ActivationProfile is the per-request decision of which optional
// subsystems to query during context aggregation.
type ActivationProfile struct {
	HouseStatus   bool `json:"house_status"`   // room/device state read
	MemorySearch  bool `json:"memory_search"`  // long-term memory lookup
	Weather       bool `json:"weather"`        // weather service
	Mood          bool `json:"mood"`           // occupant mood estimate
	SecurityScore bool `json:"security_score"` // security posture read
	CrossRoom     bool `json:"cross_room"`     // context from other rooms
}

// FullProfile returns the behavior-preserving baseline: everything on.
func FullProfile() ActivationProfile {
	return ActivationProfile{
		HouseStatus:   true,
		MemorySearch:  true,
		Weather:       true,
		Mood:          true,
		SecurityScore: true,
		CrossRoom:     true,
	}
}

// IsSubsetOf reports whether p activates no subsystem that q doesn't.
func (p ActivationProfile) IsSubsetOf(q ActivationProfile) bool {
	implies := func(a, b bool) bool { return !a || b }
	return implies(p.HouseStatus, q.HouseStatus) &&
		implies(p.MemorySearch, q.MemorySearch) &&
		implies(p.Weather, q.Weather) &&
		implies(p.Mood, q.Mood) &&
		implies(p.SecurityScore, q.SecurityScore) &&
		implies(p.CrossRoom, q.CrossRoom)
}

// compiledPattern holds a pre-compiled regex with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64
}

// Profiler classifies stimuli into activation profiles.
type Profiler struct {
	patterns map[string][]*compiledPattern
}

// subsystem keys used in the pattern table.
const (
	keyHouseStatus   = "house_status"
	keyMemorySearch  = "memory_search"
	keyWeather       = "weather"
	keyMood          = "mood"
	keySecurityScore = "security_score"
	keyCrossRoom     = "cross_room"
)

// activationThreshold is the minimum weighted score for a subsystem to
// be considered relevant to an utterance.
const activationThreshold = 0.6

// New creates a profiler with the built-in pattern table.
func New() *Profiler {
	return &Profiler{patterns: buildPatterns()}
}

// Classify produces an activation profile for a stimulus. It never
// returns an error: any classification problem falls back to the full
// profile — fail open toward more information, not less.
func (p *Profiler) Classify(stimulus types.Stimulus) ActivationProfile {
	switch stimulus.Kind {
	case types.StimulusUtterance:
		return p.classifyUtterance(stimulus.Text)
	case types.StimulusSensor:
		// Sensor events need live house state and the security posture,
		// but not memory search or mood.
		return ActivationProfile{HouseStatus: true, SecurityScore: true, CrossRoom: true}
	case types.StimulusTick, types.StimulusPattern:
		// Anticipation sweeps correlate against house state and weather.
		return ActivationProfile{HouseStatus: true, Weather: true, CrossRoom: true}
	default:
		log.Warn().
			Str("component", "profiler").
			Str("kind", string(stimulus.Kind)).
			Msg("unknown stimulus kind, using full profile")
		return FullProfile()
	}
}

func (p *Profiler) classifyUtterance(text string) ActivationProfile {
	text = strings.TrimSpace(text)
	if text == "" {
		return FullProfile()
	}
	lower := strings.ToLower(text)

	scores := make(map[string]float64)
	for key, patterns := range p.patterns {
		for _, cp := range patterns {
			if cp.regex.MatchString(lower) {
				scores[key] += cp.weight
			}
		}
	}

	// Nothing matched: the utterance is opaque to the heuristics, so
	// gather everything rather than guess.
	if len(scores) == 0 {
		return FullProfile()
	}

	profile := ActivationProfile{
		HouseStatus:   scores[keyHouseStatus] >= activationThreshold,
		MemorySearch:  scores[keyMemorySearch] >= activationThreshold,
		Weather:       scores[keyWeather] >= activationThreshold,
		Mood:          scores[keyMood] >= activationThreshold,
		SecurityScore: scores[keySecurityScore] >= activationThreshold,
		CrossRoom:     scores[keyCrossRoom] >= activationThreshold,
	}

	// A profile that activates nothing means every score was weak noise;
	// fall back rather than run the pipeline blind.
	if profile == (ActivationProfile{}) {
		return FullProfile()
	}
	return profile
}

// buildPatterns creates the weighted regex table per subsystem.
func buildPatterns() map[string][]*compiledPattern {
	return map[string][]*compiledPattern{
		keyHouseStatus: {
			{regexp.MustCompile(`\b(light|lamp|blind|curtain|thermostat|temperature|heating|ac|fan|door|window|tv|media|music|speaker)\b`), 1.0},
			{regexp.MustCompile(`\b(turn|switch|dim|set|open|close|lock|unlock|play|stop)\b`), 0.8},
			{regexp.MustCompile(`\b(status|state)\s+(of|in)\b`), 0.9},
			{regexp.MustCompile(`\bis\s+(the|my|anything)\s+\w+\s+(on|off|open|closed|locked)\b`), 1.0},
		},
		keyMemorySearch: {
			{regexp.MustCompile(`\b(remember|recall|last\s+time|when\s+did|what\s+did|remind)\b`), 1.2},
			{regexp.MustCompile(`\b(usually|normally|again|like\s+before)\b`), 0.7},
			{regexp.MustCompile(`\bwhere\s+(did|is)\s+(i|my)\b`), 0.9},
		},
		keyWeather: {
			{regexp.MustCompile(`\b(weather|rain|raining|snow|sunny|forecast|temperature\s+outside|umbrella|wind)\b`), 1.2},
			{regexp.MustCompile(`\b(outside|out\s+there)\b`), 0.5},
			{regexp.MustCompile(`\b(should\s+i\s+(take|wear|bring))\b`), 0.8},
		},
		keyMood: {
			{regexp.MustCompile(`\b(tired|stressed|relax|cozy|sad|happy|mood|calm|sleepy)\b`), 1.2},
			{regexp.MustCompile(`\b(long\s+day|rough\s+day|unwind|wind\s+down)\b`), 1.0},
		},
		keySecurityScore: {
			{regexp.MustCompile(`\b(alarm|arm|disarm|secure|security|intruder|lock\s+up|safe)\b`), 1.2},
			{regexp.MustCompile(`\b(leaving|going\s+(out|away)|vacation|good\s*night|bed\s*time)\b`), 0.9},
			{regexp.MustCompile(`\b(anyone|anybody)\s+(home|there|in\s+the\s+house)\b`), 1.0},
		},
		keyCrossRoom: {
			{regexp.MustCompile(`\b(everywhere|whole\s+house|all\s+rooms|upstairs|downstairs|every\s+room)\b`), 1.2},
			{regexp.MustCompile(`\b(kitchen|bedroom|bathroom|garage|living\s*room|hallway|office)\b.*\b(kitchen|bedroom|bathroom|garage|living\s*room|hallway|office)\b`), 1.0},
			{regexp.MustCompile(`\b(other|another)\s+room\b`), 0.9},
		},
	}
}
