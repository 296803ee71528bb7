package hydrate

import (
	"fmt"
	"math"

	"cs-workflows/backend/pkg/models"
)

type helper struct {
	minArgs, maxArgs int
	call             func(args []any) any
}

func (h helper) arity() string {
	if h.minArgs == h.maxArgs {
		return fmt.Sprint(h.minArgs)
	}
	return fmt.Sprintf("%d to %d", h.minArgs, h.maxArgs)
}

// helpers are the functions callable from expressions. Numeric helpers
// return null when an argument is not a number.
var helpers = map[string]helper{
	"eq":  {2, 2, func(a []any) any { return equal(a[0], a[1]) }},
	"gt":  {2, 2, compareHelper(func(c int) bool { return c > 0 })},
	"gte": {2, 2, compareHelper(func(c int) bool { return c >= 0 })},
	"lt":  {2, 2, compareHelper(func(c int) bool { return c < 0 })},
	"lte": {2, 2, compareHelper(func(c int) bool { return c <= 0 })},
	"add": {2, 2, arith(func(x, y float64) (float64, bool) { return x + y, true })},
	"sub": {2, 2, arith(func(x, y float64) (float64, bool) { return x - y, true })},
	"mul": {2, 2, arith(func(x, y float64) (float64, bool) { return x * y, true })},
	"div": {2, 2, arith(func(x, y float64) (float64, bool) {
		if y == 0 {
			return 0, false
		}
		return x / y, true
	})},
	// percent(x, p) adjusts x by p percent: percent(200, 10) is 220 and
	// percent(200, -25) is 150.
	"percent": {2, 2, arith(func(x, p float64) (float64, bool) { return x + x*p/100, true })},
	"round":   {1, 2, roundHelper},
	"default": {2, 2, func(a []any) any {
		if isEmpty(a[0]) {
			return a[1]
		}
		return a[0]
	}},
}

func compareHelper(test func(int) bool) func([]any) any {
	return func(a []any) any {
		c, ok := compare(a[0], a[1])
		return ok && test(c)
	}
}

func arith(op func(x, y float64) (float64, bool)) func([]any) any {
	return func(a []any) any {
		x, okX := models.AsNumber(a[0])
		y, okY := models.AsNumber(a[1])
		if !okX || !okY {
			return nil
		}
		r, ok := op(x, y)
		if !ok || math.IsNaN(r) || math.IsInf(r, 0) {
			return nil
		}
		return r
	}
}

func roundHelper(a []any) any {
	x, ok := models.AsNumber(a[0])
	if !ok {
		return nil
	}
	places := 0.0
	if len(a) == 2 {
		if places, ok = models.AsNumber(a[1]); !ok {
			return nil
		}
	}
	scale := math.Pow(10, math.Trunc(places))
	return math.Round(x*scale) / scale
}
