package profiler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/majordomo/pkg/types"
)

func utterance(text string) types.Stimulus {
	return types.Stimulus{Kind: types.StimulusUtterance, Text: text}
}

func TestEmptyUtteranceFallsBackToFull(t *testing.T) {
	p := New()
	assert.Equal(t, FullProfile(), p.Classify(utterance("")))
}

func TestOpaqueUtteranceFallsBackToFull(t *testing.T) {
	p := New()
	// Nothing here matches any subsystem heuristic.
	assert.Equal(t, FullProfile(), p.Classify(utterance("quux zorble fnord")))
}

func TestDeviceCommandActivatesHouseStatus(t *testing.T) {
	p := New()
	profile := p.Classify(utterance("turn on the living room light"))

	assert.True(t, profile.HouseStatus)
	assert.False(t, profile.Weather)
	assert.False(t, profile.MemorySearch)
}

func TestWeatherQuestion(t *testing.T) {
	p := New()
	profile := p.Classify(utterance("is it raining, should I take an umbrella"))

	assert.True(t, profile.Weather)
	assert.False(t, profile.SecurityScore)
}

func TestSecurityUtterance(t *testing.T) {
	p := New()
	profile := p.Classify(utterance("arm the alarm, we're leaving"))

	assert.True(t, profile.SecurityScore)
}

func TestEveryProfileIsSubsetOfFull(t *testing.T) {
	p := New()
	inputs := []string{
		"",
		"turn off the lights",
		"what's the weather like",
		"I'm so tired today",
		"remember what I played last friday",
		"lock up the whole house",
		"gibberish input 123",
	}
	for _, text := range inputs {
		profile := p.Classify(utterance(text))
		assert.True(t, profile.IsSubsetOf(FullProfile()), "profile for %q not a subset", text)
	}
}

func TestSensorStimulusProfile(t *testing.T) {
	p := New()
	profile := p.Classify(types.Stimulus{Kind: types.StimulusSensor})

	assert.True(t, profile.HouseStatus)
	assert.True(t, profile.SecurityScore)
	assert.False(t, profile.Mood)
	assert.True(t, profile.IsSubsetOf(FullProfile()))
}

func TestUnknownKindFailsOpen(t *testing.T) {
	p := New()
	profile := p.Classify(types.Stimulus{Kind: types.StimulusKind("martian")})
	assert.Equal(t, FullProfile(), profile)
}
