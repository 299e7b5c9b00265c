package analytics

// Recommendation tiers by minimum severity.
const (
	TierCritical = "CRITICAL"
	TierHigh     = "HIGH"
	TierMedium   = "MEDIUM"
	TierLow      = "LOW"
	TierMinimal  = "MINIMAL"
)

var recommendations = []struct {
	minSeverity int
	tier        string
	action      string
}{
	{9, TierCritical, "Immediate action required. Alert on-call team, investigate root cause, prepare rollback plan."},
	{7, TierHigh, "Investigate within 1 hour. Monitor closely, prepare mitigation steps."},
	{5, TierMedium, "Review within 4 hours. Log for trending analysis, check if pattern persists."},
	{3, TierLow, "Note for future reference. May be normal variance, continue monitoring."},
	{0, TierMinimal, "No immediate action needed. Data within normal parameters."},
}

// Recommend maps a verdict severity to its recommendation text.
func Recommend(severity int) string {
	for _, r := range recommendations {
		if severity >= r.minSeverity {
			return r.tier + ": " + r.action
		}
	}
	return ""
}

// Tier returns the recommendation tier of a severity.
func Tier(severity int) string {
	for _, r := range recommendations {
		if severity >= r.minSeverity {
			return r.tier
		}
	}
	return TierMinimal
}
