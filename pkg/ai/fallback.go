package ai

import (
	"fmt"
	"strings"

	"github.com/alim08/fin_advisor/pkg/models"
)

const apology = "I'm having trouble reaching the advisory service right now, so here is some general guidance instead."

// Fallback produces a rule-based reply for when the model cannot be used.
// The topic is picked from keywords in userText; details follow the profile.
func Fallback(userText string, p models.UserProfile) string {
	msg := strings.ToLower(userText)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(msg, w) {
				return true
			}
		}
		return false
	}

	var body string
	switch {
	case has("market") && has("today", "doing", "trading", "how", "status"):
		body = fmt.Sprintf("Markets move daily and I can't fetch a live overview at the moment.\n\nFor your profile (%s risk, %s experience):\n%s",
			p.RiskTolerance, p.ExperienceLevel, riskAdvice(p.RiskTolerance))
	case has("recommend", "invest", "buy", "stock", "should i"):
		body = fmt.Sprintf("Based on your %s risk tolerance and %s experience:\n%s\n\nBroad index ETFs are a sound core for most portfolios. Always diversify, and past performance does not guarantee future results.",
			p.RiskTolerance, p.ExperienceLevel, riskAdvice(p.RiskTolerance))
	case has("strategy", "plan", "how to", "start"):
		body = fmt.Sprintf("A strategy for a %s investor with %s risk tolerance:\n%s\n\nSuggested mix:\n%s",
			p.ExperienceLevel, p.RiskTolerance, strategyAdvice(p.ExperienceLevel), portfolioMix(p.RiskTolerance))
	case has("etf"):
		body = "ETFs offer low costs, instant diversification and easy trading. " + etfAdvice(p.RiskTolerance)
	case has("retirement", "tax"):
		body = "Tax-advantaged accounts let gains compound without yearly tax drag. Fill the most flexible account first, then long-term retirement vehicles, and hold low-cost funds inside them."
	case has("risk", "diversif", "safe"):
		body = fmt.Sprintf("Your risk profile is %s.\n\nSuggested mix:\n%s\n\nKeep an emergency fund of 3-6 months of expenses and rebalance at least yearly.",
			p.RiskTolerance, portfolioMix(p.RiskTolerance))
	default:
		body = fmt.Sprintf("Based on your profile (%s risk, %s level) I can help with market trends, ETFs, diversification, risk management and retirement planning. What would you like to know more about?",
			p.RiskTolerance, p.ExperienceLevel)
	}
	return apology + "\n\n" + body
}

func riskAdvice(r models.RiskTolerance) string {
	switch r {
	case models.RiskConservative:
		return "- 70% fixed income (bonds, money market)\n- 20% blue chip equities\n- 10% property\n- Favour dividend payers and quality bonds"
	case models.RiskAggressive:
		return "- 80-90% equities and growth ETFs\n- 10-15% alternatives\n- 5% cash\n- Growth sectors such as technology and renewable energy"
	default:
		return "- 60% equities (blue chip and growth)\n- 30% bonds\n- 10% property or alternatives"
	}
}

func strategyAdvice(e models.ExperienceLevel) string {
	switch e {
	case models.ExperienceAdvanced:
		return "1. Core-satellite: 70% index, 30% active\n2. Combine technical and fundamental analysis\n3. Hedge where it is cheap\n4. Optimize for tax efficiency\n5. Rebalance quarterly"
	case models.ExperienceIntermediate:
		return "1. Mix index ETFs (60%) with individual stocks (40%)\n2. Research companies before buying\n3. Use stop-losses to manage risk\n4. Diversify across sectors\n5. Review monthly"
	default:
		return "1. Start with broad ETFs\n2. Use a low-cost platform\n3. Contribute a small fixed amount monthly\n4. Learn while you invest\n5. Avoid concentrated bets"
	}
}

func portfolioMix(r models.RiskTolerance) string {
	switch r {
	case models.RiskConservative:
		return "- 30% equities\n- 50% bonds\n- 15% property\n- 5% cash"
	case models.RiskAggressive:
		return "- 85% equities\n- 10% alternatives\n- 5% cash"
	default:
		return "- 60% equities\n- 25% bonds\n- 10% property\n- 5% cash"
	}
}

func etfAdvice(r models.RiskTolerance) string {
	switch r {
	case models.RiskConservative:
		return "For a conservative profile, focus on bond ETFs and dividend equity ETFs."
	case models.RiskAggressive:
		return "For an aggressive profile, consider growth and sector ETFs."
	default:
		return "For a moderate profile, hold roughly 60-70% equity ETFs and 30-40% bond ETFs."
	}
}
