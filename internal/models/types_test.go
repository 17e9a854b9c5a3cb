package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() DiscussionConfig {
	return DiscussionConfig{
		Prompt:       "Design a rate limiter for a public API.",
		ParticipantA: Participant{Role: RoleA, ModelID: "model-a", ProviderID: "prov"},
		ParticipantB: Participant{Role: RoleB, ModelID: "model-b", ProviderID: "prov"},
		Options:      DefaultDiscussionOptions(),
	}
}

func TestRoleHelpers(t *testing.T) {
	assert.Equal(t, RoleB, RoleA.Other())
	assert.Equal(t, RoleA, RoleB.Other())
	assert.True(t, RoleA.Valid())
	assert.True(t, RoleB.Valid())
	assert.False(t, Role("C").Valid())
}

func TestPromptLengthBounds(t *testing.T) {
	cases := []struct {
		length int
		ok     bool
	}{
		{9, false},
		{10, true},
		{10000, true},
		{10001, false},
	}
	for _, tc := range cases {
		config := validConfig()
		config.Prompt = strings.Repeat("x", tc.length)
		err := config.Validate()
		if tc.ok {
			assert.NoErrorf(t, err, "prompt length %d", tc.length)
		} else {
			assert.Errorf(t, err, "prompt length %d", tc.length)
		}
	}
}

func TestPromptIsTrimmedBeforeLengthCheck(t *testing.T) {
	config := validConfig()
	config.Prompt = "   " + strings.Repeat("x", 9) + "   "
	assert.Error(t, config.Validate(), "9 significant chars is too short")
}

func TestTemperatureBounds(t *testing.T) {
	for _, tc := range []struct {
		temp float64
		ok   bool
	}{
		{0, true},
		{2, true},
		{-0.1, false},
		{2.1, false},
	} {
		options := DefaultDiscussionOptions()
		options.Temperature = tc.temp
		err := options.Validate()
		if tc.ok {
			assert.NoErrorf(t, err, "temperature %g", tc.temp)
		} else {
			assert.Errorf(t, err, "temperature %g", tc.temp)
		}
	}
}

func TestMaxIterationsBounds(t *testing.T) {
	for _, tc := range []struct {
		iterations int
		ok         bool
	}{
		{1, false},
		{2, true},
		{20, true},
		{21, false},
	} {
		options := DefaultDiscussionOptions()
		options.MaxIterations = tc.iterations
		err := options.Validate()
		if tc.ok {
			assert.NoErrorf(t, err, "maxIterations %d", tc.iterations)
		} else {
			assert.Errorf(t, err, "maxIterations %d", tc.iterations)
		}
	}
}

func TestOptionsValidateRemainingBounds(t *testing.T) {
	options := DefaultDiscussionOptions()
	options.MaxTokensPerTurn = 255
	assert.Error(t, options.Validate())

	options = DefaultDiscussionOptions()
	options.MaxTokensPerTurn = 8193
	assert.Error(t, options.Validate())

	options = DefaultDiscussionOptions()
	options.MinRoundsBeforeConsensus = 0
	assert.Error(t, options.Validate())

	options = DefaultDiscussionOptions()
	options.MinRoundsBeforeConsensus = 6
	assert.Error(t, options.Validate())

	options = DefaultDiscussionOptions()
	options.TurnTimeout = 0
	assert.Error(t, options.Validate())

	options = DefaultDiscussionOptions()
	options.TotalTimeout = -time.Second
	assert.Error(t, options.Validate())
}

func TestConfigValidateParticipants(t *testing.T) {
	config := validConfig()
	config.ParticipantA.Role = RoleB
	assert.Error(t, config.Validate())

	config = validConfig()
	config.ParticipantB.ModelID = ""
	assert.Error(t, config.Validate())

	config = validConfig()
	config.ParticipantA.ProviderID = ""
	assert.Error(t, config.Validate())
}

func TestConfigParticipantLookup(t *testing.T) {
	config := validConfig()
	assert.Equal(t, "model-a", config.Participant(RoleA).ModelID)
	assert.Equal(t, "model-b", config.Participant(RoleB).ModelID)
}

func TestDiscussionOptionsJSONRoundTrip(t *testing.T) {
	options := DiscussionOptions{
		MaxIterations:            7,
		Temperature:              1.2,
		MaxTokensPerTurn:         512,
		TurnTimeout:              90 * time.Second,
		TotalTimeout:             5 * time.Minute,
		RequireBothConsensus:     true,
		MinRoundsBeforeConsensus: 2,
	}

	raw, err := json.Marshal(options)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(90000), decoded["turnTimeoutMs"])
	assert.Equal(t, float64(300000), decoded["totalTimeoutMs"])

	var back DiscussionOptions
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, options, back)
}

func TestNormalizeFinishReason(t *testing.T) {
	cases := map[string]FinishReason{
		"stop":           FinishStop,
		"end_turn":       FinishStop,
		"STOP_SEQUENCE":  FinishStop,
		"":               FinishStop,
		"length":         FinishLength,
		"max_tokens":     FinishLength,
		"content_filter": FinishContentFilter,
		"safety":         FinishContentFilter,
		"tool_use":       FinishToolCalls,
		"error":          FinishError,
		"something_else": FinishStop,
	}
	for raw, want := range cases {
		assert.Equalf(t, want, NormalizeFinishReason(raw), "raw %q", raw)
	}
}

func TestTokenAccumulation(t *testing.T) {
	var totals TokenTotals
	totals.AddFor(RoleA, TokenUsage{PromptTokens: 10, CompletionTokens: 5})
	totals.AddFor(RoleA, TokenUsage{PromptTokens: 3, CompletionTokens: 2})
	totals.AddFor(RoleB, TokenUsage{PromptTokens: 7, CompletionTokens: 1})

	assert.Equal(t, TokenUsage{PromptTokens: 13, CompletionTokens: 7}, totals.ModelA)
	assert.Equal(t, TokenUsage{PromptTokens: 7, CompletionTokens: 1}, totals.ModelB)
	assert.Equal(t, 28, totals.Total())
}
