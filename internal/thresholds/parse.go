package thresholds

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cs-workflows/backend/pkg/models"
)

// Parse converts raw key/value pairs into Thresholds. Each key is parsed
// independently: missing, empty or invalid keys keep their default, and
// invalid ones are reported in the returned slice. Unknown keys are ignored.
func Parse(raw map[string]string) (models.Thresholds, []error) {
	th := models.DefaultThresholds()
	var problems []error

	for _, key := range models.ThresholdKeys {
		value, ok := raw[key]
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := apply(&th, key, value); err != nil {
			problems = append(problems, err)
		}
	}
	return th, problems
}

// ValidateValue checks that value is acceptable for key.
func ValidateValue(key, value string) error {
	th := models.DefaultThresholds()
	return apply(&th, key, value)
}

// Format converts Thresholds back into their raw key/value form.
func Format(th models.Thresholds) map[string]string {
	return map[string]string{
		models.ThresholdRenewalGraceDays:      strconv.Itoa(th.RenewalGraceDays),
		models.ThresholdStrategicAccountPlans: strings.Join(th.StrategicAccountPlans, ","),
		models.ThresholdOpportunityScoreMin:   strconv.FormatFloat(th.OpportunityScoreMin, 'f', -1, 64),
		models.ThresholdRiskScoreMin:          strconv.FormatFloat(th.RiskScoreMin, 'f', -1, 64),
	}
}

func apply(th *models.Thresholds, key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case models.ThresholdRenewalGraceDays:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: want a non-negative integer, got %q", key, value)
		}
		th.RenewalGraceDays = n
	case models.ThresholdStrategicAccountPlans:
		plans := splitPlans(value)
		if len(plans) == 0 {
			return fmt.Errorf("%s: want a comma separated list, got %q", key, value)
		}
		th.StrategicAccountPlans = plans
	case models.ThresholdOpportunityScoreMin:
		f, err := parseScore(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		th.OpportunityScoreMin = f
	case models.ThresholdRiskScoreMin:
		f, err := parseScore(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		th.RiskScoreMin = f
	default:
		return fmt.Errorf("unknown threshold key %q", key)
	}
	return nil
}

func splitPlans(value string) []string {
	var plans []string
	for _, p := range strings.Split(value, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			plans = append(plans, p)
		}
	}
	return plans
}

func parseScore(value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("want a finite number, got %q", value)
	}
	if f < 0 {
		return 0, fmt.Errorf("want a non-negative number, got %q", value)
	}
	return f, nil
}
