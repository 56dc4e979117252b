package ai

import (
	"fmt"
	"strings"

	"github.com/alim08/fin_advisor/pkg/models"
)

// Context slots gathered for a turn.
const (
	SlotGoals           = "goals"
	SlotRecommendations = "recommendations"
	SlotHistory         = "history"
	SlotQuotes          = "quotes"
)

// QuoteLine is a quote as shown to the model.
type QuoteLine struct {
	models.Quote
	Stale bool
}

// Context is everything known about the user when a turn is generated.
// Slots listed in Unavailable are rendered as explicit markers so the model
// does not mistake missing data for empty data.
type Context struct {
	Profile         models.UserProfile
	Goals           []models.Goal
	Recommendations []models.Recommendation
	Quotes          []QuoteLine
	History         []models.Message
	Unavailable     map[string]bool
}

const unavailable = "(unavailable right now)"

// BuildRequest assembles the system prompt, history and the new user text.
func BuildRequest(c Context, userText string) Request {
	req := Request{System: SystemPrompt(c)}
	for _, m := range c.History {
		req.Messages = append(req.Messages, Message{Role: string(m.Role), Content: m.Text})
	}
	req.Messages = append(req.Messages, Message{Role: string(models.RoleUser), Content: userText})
	return req
}

// SystemPrompt renders the advisor instructions around the gathered context.
func SystemPrompt(c Context) string {
	var b strings.Builder
	b.WriteString("You are an AI investment advisor. Give personalized, educational advice and general market insight.\n\n")

	b.WriteString("USER PROFILE:\n")
	fmt.Fprintf(&b, "- Risk Tolerance: %s\n", c.Profile.RiskTolerance)
	fmt.Fprintf(&b, "- Investment Experience: %s\n", c.Profile.ExperienceLevel)

	b.WriteString("\nUSER GOALS:\n")
	switch {
	case c.Unavailable[SlotGoals]:
		b.WriteString(unavailable + "\n")
	case len(c.Goals) == 0:
		b.WriteString("- none recorded\n")
	default:
		for _, g := range c.Goals {
			fmt.Fprintf(&b, "- %s: target %.2f (%.0f%% reached), %s horizon, %s\n",
				g.Title, g.TargetAmount, g.Progress()*100, g.TimeHorizon, g.GoalType)
		}
	}

	b.WriteString("\nMARKET DATA:\n")
	switch {
	case c.Unavailable[SlotQuotes]:
		b.WriteString(unavailable + "\n")
	case len(c.Quotes) == 0:
		b.WriteString("- no specific instruments mentioned\n")
	default:
		for _, q := range c.Quotes {
			fmt.Fprintf(&b, "- %s: %.2f as of %s", q.Symbol, q.Price, q.Timestamp.UTC().Format("2006-01-02 15:04 MST"))
			if q.Stale {
				b.WriteString(" (may be outdated)")
			}
			b.WriteByte('\n')
		}
	}

	b.WriteString("\nPERSONALIZED RECOMMENDATIONS (based on similar investors):\n")
	switch {
	case c.Unavailable[SlotRecommendations]:
		b.WriteString(unavailable + "\n")
	case len(c.Recommendations) == 0:
		b.WriteString("- none yet\n")
	default:
		for i, r := range c.Recommendations {
			fmt.Fprintf(&b, "%d. %s (score %.2f)\n", i+1, r.Symbol, r.Score)
		}
	}

	if c.Unavailable[SlotHistory] {
		b.WriteString("\nEARLIER CONVERSATION: " + unavailable + "\n")
	}

	b.WriteString(`
GUIDELINES:
1. Consider the user's risk tolerance and experience in every suggestion.
2. Align suggestions with the user's goals.
3. Use the market data above when it is present; say so when it is missing.
4. Never guarantee returns. Always include appropriate risk warnings.
5. Be conversational and educational.
`)
	return b.String()
}
