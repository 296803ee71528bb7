package models

// Category is a family of recurring workflows a customer can qualify for.
type Category string

const (
	CategoryRisk        Category = "risk"
	CategoryOpportunity Category = "opportunity"
	CategoryStrategic   Category = "strategic"
	CategoryRenewal     Category = "renewal"
	CategoryCustom      Category = "custom"

	// CategoryNone only appears as a key in eligibility explanations when
	// no category applies.
	CategoryNone Category = "none"
)

// EligibilityCategories lists the categories decided by eligibility, in the
// order they are evaluated and reported.
var EligibilityCategories = []Category{
	CategoryRisk,
	CategoryOpportunity,
	CategoryStrategic,
	CategoryRenewal,
}

// IsValid reports whether c names a workflow category an execution can carry.
func (c Category) IsValid() bool {
	switch c {
	case CategoryRisk, CategoryOpportunity, CategoryStrategic, CategoryRenewal, CategoryCustom:
		return true
	}
	return false
}
