package models

// Threshold keys as stored by threshold sources.
const (
	ThresholdRenewalGraceDays      = "renewal_grace_days"
	ThresholdStrategicAccountPlans = "strategic_account_plans"
	ThresholdOpportunityScoreMin   = "opportunity_score_min"
	ThresholdRiskScoreMin          = "risk_score_min"
)

// ThresholdKeys lists every recognised threshold key.
var ThresholdKeys = []string{
	ThresholdRenewalGraceDays,
	ThresholdStrategicAccountPlans,
	ThresholdOpportunityScoreMin,
	ThresholdRiskScoreMin,
}

// Thresholds are the tunable values used by eligibility decisions.
type Thresholds struct {
	RenewalGraceDays      int      `json:"renewal_grace_days"`
	StrategicAccountPlans []string `json:"strategic_account_plans"`
	OpportunityScoreMin   float64  `json:"opportunity_score_min"`
	RiskScoreMin          float64  `json:"risk_score_min"`
}

// DefaultThresholds returns the values used when the threshold source is
// unavailable or empty.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RenewalGraceDays:      30,
		StrategicAccountPlans: []string{"invest", "expand"},
		OpportunityScoreMin:   70,
		RiskScoreMin:          60,
	}
}
