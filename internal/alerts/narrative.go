package alerts

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Narrative renders the deterministic summary for an alert: same
// entity, score, tier and factors always produce the same text. It is
// driven by the top-K contributing factors, never free-form.
func Narrative(entityID domain.EntityID, score float64, tier domain.RiskTier, factors []domain.Attribution, topK int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity %s scored %.2f, placing it in the %s tier.", entityID, score, tier)

	top := factors
	if topK > 0 && len(top) > topK {
		top = top[:topK]
	}
	if len(top) > 0 {
		parts := make([]string, len(top))
		for i, f := range top {
			parts[i] = fmt.Sprintf("%s (%d%%)", f.Factor, int(math.Round(f.Weight*100)))
		}
		fmt.Fprintf(&b, " Top contributing factors: %s.", strings.Join(parts, ", "))
	}

	fmt.Fprintf(&b, " Recommended action: %s", RecommendedAction(tier))
	return b.String()
}

// RecommendedAction maps a tier to its triage guidance.
func RecommendedAction(tier domain.RiskTier) string {
	switch tier {
	case domain.TierCritical:
		return "escalate for immediate investigation."
	case domain.TierHigh:
		return "investigate within one business day."
	case domain.TierMedium:
		return "review during the next triage cycle."
	default:
		return "no action required; continue monitoring."
	}
}
