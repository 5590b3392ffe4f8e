package ml

import "fmt"

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Tiering splits churn probabilities into dashboard risk bands. Both bounds
// are inclusive lower bounds.
type Tiering struct {
	High   float64 `yaml:"high" json:"high"`
	Medium float64 `yaml:"medium" json:"medium"`
}

func DefaultTiering() Tiering {
	return Tiering{High: 0.7, Medium: 0.4}
}

func (t Tiering) Validate() error {
	if t.Medium < 0 || t.High > 1 || t.Medium > t.High {
		return fmt.Errorf("invalid risk tiers: medium=%v high=%v", t.Medium, t.High)
	}
	return nil
}

func (t Tiering) Tier(p float64) Tier {
	switch {
	case p >= t.High:
		return TierHigh
	case p >= t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

func Recommendation(p float64) string {
	switch {
	case p > 0.7:
		return "Immediate intervention required: Offer contract upgrade with 20% discount"
	case p > 0.5:
		return "Proactive engagement needed: Bundle services with loyalty rewards"
	case p > 0.3:
		return "Monitor closely: Send satisfaction survey and personalized offers"
	default:
		return "Low risk: Focus on upselling additional services"
	}
}
