package stats

// Risk thresholds map a 0-100 score onto the ordinal vocabulary rules
// compare against.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

func RiskLevelFromScore(score int) string {
	switch {
	case score >= 75:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ComputeClientRisk scores a client from their cancellation behavior,
// account age and track record. Weights: cancellations dominate (45),
// then young accounts (15) and thin history (10).
func ComputeClientRisk(completed, cancelled, accountAgeDays int) (int, string) {
	denom := completed + cancelled
	cancellationRate := 0.0
	if denom > 0 {
		cancellationRate = float64(cancelled) / float64(denom)
	}
	if cancellationRate > 1.0 {
		cancellationRate = 1.0
	}
	score := cancellationRate * 45.0

	if accountAgeDays < 0 {
		accountAgeDays = 0
	}
	if accountAgeDays < 30 {
		score += float64(30-accountAgeDays) / 30.0 * 15.0
	}
	if completed < 5 {
		score += float64(5-completed) / 5.0 * 10.0
	}

	rounded := int(score + 0.5)
	if rounded > 100 {
		rounded = 100
	}
	if rounded < 0 {
		rounded = 0
	}
	return rounded, RiskLevelFromScore(rounded)
}

// ComputeMasterScore rewards finished work and penalizes declines,
// clamped to 0-100.
func ComputeMasterScore(completed, declined int) float64 {
	score := 50.0 + float64(completed)*2.0 - float64(declined)*5.0
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
