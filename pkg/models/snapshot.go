package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Well-known snapshot paths.
const (
	PathCustomerID    = "id"
	PathCompanyID     = "company_id"
	PathCustomerName  = "name"
	PathAccountPlan   = "account.plan"
	PathRevenueTier   = "financial.revenue_tier"
	PathARR           = "financial.arr"
	PathRiskScore     = "scores.risk"
	PathOpportunity   = "scores.opportunity"
	PathUsageScore    = "scores.usage"
	PathRenewalID     = "contract.renewal_id"
	PathRenewalDate   = "contract.renewal_date"
	snapshotSeparator = "."
)

// Snapshot is a read-only tree of customer facts supplied by the customer
// data service. Values are maps, slices and scalars as produced by JSON
// decoding. Callers must not mutate a snapshot after handing it over.
type Snapshot map[string]any

// ID returns the customer identifier.
func (s Snapshot) ID() string { return s.String(PathCustomerID) }

// CompanyID returns the identifier of the company that owns the customer.
func (s Snapshot) CompanyID() string { return s.String(PathCompanyID) }

// Lookup resolves a dotted path. Numeric segments index into slices.
func (s Snapshot) Lookup(path string) (any, bool) {
	return LookupPath(map[string]any(s), path)
}

// LookupPath resolves a dotted path against an arbitrary value tree.
func LookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, root != nil
	}
	cur := root
	for _, seg := range strings.Split(path, snapshotSeparator) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Snapshot:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// String returns the value at path rendered as a string, or "" when absent.
func (s Snapshot) String(path string) string {
	v, ok := s.Lookup(path)
	if !ok {
		return ""
	}
	return FormatValue(v)
}

// Number returns the numeric value at path. Numeric strings are accepted.
func (s Snapshot) Number(path string) (float64, bool) {
	v, ok := s.Lookup(path)
	if !ok {
		return 0, false
	}
	return AsNumber(v)
}

// Bool returns the boolean value at path.
func (s Snapshot) Bool(path string) (bool, bool) {
	v, ok := s.Lookup(path)
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

// Time returns the instant at path. RFC 3339 timestamps and plain
// YYYY-MM-DD dates (interpreted as UTC midnight) are accepted.
func (s Snapshot) Time(path string) (time.Time, bool) {
	v, ok := s.Lookup(path)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.DateOnly, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// AsNumber converts JSON-style numeric values to float64.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// FormatValue renders a scalar for display. Whole numbers print without a
// fractional part; nil prints as the empty string.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case json.Number:
		return t.String()
	}
	if f, ok := AsNumber(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
