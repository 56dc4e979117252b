package ai

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/fin_advisor/pkg/models"
)

func TestExtractSymbols(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Should I buy AAPL or $MSFT?", []string{"AAPL", "MSFT"}},
		{"I think THE market is UP", nil},
		{"compare TSLA with TSLA and $tsla", []string{"TSLA"}},
		{"what about $IT", []string{"IT"}},
		{"GOOGLEX is too long", nil},
		{"lowercase aapl is ignored", nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSymbols(tt.text))
		})
	}
}

func TestBuildRequest(t *testing.T) {
	c := Context{
		Profile: models.UserProfile{UserID: "u1", RiskTolerance: models.RiskAggressive, ExperienceLevel: models.ExperienceAdvanced},
		Goals:   []models.Goal{{Title: "House", TargetAmount: 100000, CurrentAmount: 25000, TimeHorizon: "long", GoalType: "property"}},
		Quotes: []QuoteLine{
			{Quote: models.Quote{Symbol: "MSFT", Price: 410.5, Timestamp: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}},
			{Quote: models.Quote{Symbol: "AAPL", Price: 180, Timestamp: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}, Stale: true},
		},
		Recommendations: []models.Recommendation{{Symbol: "GOOGL", Score: 1.5}},
		History: []models.Message{
			{Role: models.RoleUser, Text: "hi"},
			{Role: models.RoleAssistant, Text: "hello"},
		},
	}
	req := BuildRequest(c, "what about MSFT?")

	require.Len(t, req.Messages, 3)
	assert.Equal(t, Message{Role: "assistant", Content: "hello"}, req.Messages[1])
	assert.Equal(t, Message{Role: "user", Content: "what about MSFT?"}, req.Messages[2])

	assert.Contains(t, req.System, "Risk Tolerance: aggressive")
	assert.Contains(t, req.System, "House: target 100000.00 (25% reached)")
	assert.Contains(t, req.System, "MSFT: 410.50")
	assert.Contains(t, req.System, "AAPL: 180.00 as of 2024-05-01 09:00 UTC (may be outdated)")
	assert.Contains(t, req.System, "1. GOOGL")
	assert.NotContains(t, req.System, unavailable)
}

func TestSystemPrompt_UnavailableMarkers(t *testing.T) {
	c := Context{
		Profile:     models.DefaultProfile("u1"),
		Unavailable: map[string]bool{SlotGoals: true, SlotHistory: true},
	}
	p := SystemPrompt(c)
	assert.Equal(t, 2, strings.Count(p, unavailable))
	assert.Contains(t, p, "- none yet")
	assert.Contains(t, p, "- no specific instruments mentioned")
}

func TestFallback(t *testing.T) {
	conservative := models.UserProfile{RiskTolerance: models.RiskConservative, ExperienceLevel: models.ExperienceBeginner}
	aggressive := models.UserProfile{RiskTolerance: models.RiskAggressive, ExperienceLevel: models.ExperienceAdvanced}

	tests := []struct {
		name    string
		text    string
		profile models.UserProfile
		want    string
	}{
		{"market", "How is the market doing?", conservative, "70% fixed income"},
		{"recommend", "Should I buy tech stocks?", aggressive, "80-90% equities"},
		{"strategy", "help me plan", aggressive, "Core-satellite"},
		{"etf", "tell me about ETF options", conservative, "bond ETFs"},
		{"risk", "is this safe", conservative, "50% bonds"},
		{"default", "hello", aggressive, "aggressive risk, advanced level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Fallback(tt.text, tt.profile)
			assert.True(t, strings.HasPrefix(out, apology))
			assert.Contains(t, out, tt.want)
		})
	}
}
