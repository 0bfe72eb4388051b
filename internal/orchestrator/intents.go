package orchestrator

import (
	"regexp"
	"strings"

	"github.com/normanking/majordomo/pkg/types"
)

// intentRule turns an utterance into a concrete action request. Rules
// are checked in order; the first match wins. This is deliberately the
// same cheap regex machinery as the profiler — no model inference sits
// between a spoken command and its action.
type intentRule struct {
	regex *regexp.Regexp
	build func(match []string, person types.Person) types.ActionRequest
}

func normalizeRoom(raw string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(raw)), " ", "_")
}

func buildIntentRules() []intentRule {
	return []intentRule{
		{
			regex: regexp.MustCompile(`\b(?:arm|set)\b.*\b(away|night|home)\b|\block\s+up\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				mode := m[1]
				if mode == "" {
					mode = "away" // "lock up" implies leaving
				}
				return types.ActionRequest{Action: "alarm.arm_" + mode, RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			// Mode-less arming defaults to away.
			regex: regexp.MustCompile(`\barm\b.*\balarm\b|\balarm\b.*\bon\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "alarm.arm_away", RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			regex: regexp.MustCompile(`\bdisarm\b|\balarm\s+off\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "alarm.disarm", RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			regex: regexp.MustCompile(`\bunlock\b.*\b(front|back)\s+door\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "unlock." + m[1] + "_door", RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			regex: regexp.MustCompile(`\block\b.*\b(front|back)\s+door\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "lock." + m[1] + "_door", RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			regex: regexp.MustCompile(`\bturn\s+(on|off)\s+(?:the\s+)?([a-z][a-z ]*?)\s+lights?\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				room := normalizeRoom(m[2])
				return types.ActionRequest{
					Action:      "light." + m[1],
					Args:        map[string]string{"room": room},
					RequestedBy: p,
					Origin:      "utterance",
					Room:        room,
				}
			},
		},
		{
			regex: regexp.MustCompile(`\blights?\s+(on|off)\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "light." + m[1], RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			regex: regexp.MustCompile(`\bset\s+(?:the\s+)?(?:thermostat|temperature|heating)\s+to\s+(\d{1,2})\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{
					Action:      "climate.set_temperature",
					Args:        map[string]string{"temperature": m[1]},
					RequestedBy: p,
					Origin:      "utterance",
				}
			},
		},
		{
			regex: regexp.MustCompile(`\b(?:play|put\s+on)\b.*\b(?:music|playlist|radio)\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "media.play", RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			regex: regexp.MustCompile(`\bstop\b.*\bmusic\b|\bmusic\s+off\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "media.stop", RequestedBy: p, Origin: "utterance"}
			},
		},
		{
			regex: regexp.MustCompile(`\b(open|close)\b.*\b(?:blinds?|curtains?)\b`),
			build: func(m []string, p types.Person) types.ActionRequest {
				return types.ActionRequest{Action: "cover." + m[1], RequestedBy: p, Origin: "utterance"}
			},
		},
	}
}

// parseIntent resolves an utterance to at most one action request.
func (o *Orchestrator) parseIntent(text string, person types.Person) (types.ActionRequest, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return types.ActionRequest{}, false
	}
	for _, rule := range o.intents {
		if m := rule.regex.FindStringSubmatch(lower); m != nil {
			return rule.build(m, person), true
		}
	}
	return types.ActionRequest{}, false
}
