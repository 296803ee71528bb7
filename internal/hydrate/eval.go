package hydrate

import (
	"strings"

	"cs-workflows/backend/pkg/models"
)

// scope is one level of the lookup chain. The outermost scope holds the
// snapshot; every #each iteration pushes the current element.
type scope struct {
	this   any
	index  int
	parent *scope
}

func (s *scope) root() *scope {
	for s.parent != nil {
		s = s.parent
	}
	return s
}

// lookup resolves a path. this and @index refer to the innermost scope,
// @root to the snapshot. Other paths are tried from the innermost scope
// outwards, so loop bodies still see snapshot fields.
func (s *scope) lookup(segments []string) any {
	head, rest := segments[0], strings.Join(segments[1:], ".")
	switch head {
	case "this":
		return resolve(s.this, rest)
	case "@index":
		if len(segments) > 1 {
			return nil
		}
		return float64(s.index)
	case "@root":
		return resolve(s.root().this, rest)
	}
	path := strings.Join(segments, ".")
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := models.LookupPath(cur.this, path); ok {
			return v
		}
	}
	return nil
}

func resolve(v any, path string) any {
	if path == "" {
		return v
	}
	out, _ := models.LookupPath(v, path)
	return out
}

func eval(e expr, s *scope) any {
	switch n := e.(type) {
	case literalExpr:
		return n.value
	case pathExpr:
		return s.lookup(n.segments)
	case unaryExpr:
		v := eval(n.operand, s)
		if n.op == "!" {
			return !truthy(v)
		}
		if f, ok := models.AsNumber(v); ok {
			return -f
		}
		return nil
	case binaryExpr:
		switch n.op {
		case "&&":
			return truthy(eval(n.left, s)) && truthy(eval(n.right, s))
		case "||":
			return truthy(eval(n.left, s)) || truthy(eval(n.right, s))
		}
		l, r := eval(n.left, s), eval(n.right, s)
		switch n.op {
		case "==":
			return equal(l, r)
		case "!=":
			return !equal(l, r)
		}
		c, ok := compare(l, r)
		if !ok {
			return false
		}
		switch n.op {
		case ">":
			return c > 0
		case ">=":
			return c >= 0
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		}
	case callExpr:
		args := make([]any, len(n.args))
		for i, a := range n.args {
			args[i] = eval(a, s)
		}
		return n.fn.call(args)
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := models.AsNumber(v); ok {
		return f != 0
	}
	return true
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// isNumeric reports whether v is a number proper, as opposed to a string
// that happens to parse as one.
func isNumeric(v any) bool {
	if _, ok := v.(string); ok {
		return false
	}
	_, ok := models.AsNumber(v)
	return ok
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumeric(a) || isNumeric(b) {
		x, okX := models.AsNumber(a)
		y, okY := models.AsNumber(b)
		if okX && okY {
			return x == y
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return models.FormatValue(a) == models.FormatValue(b)
}

// compare orders numbers numerically and everything else as strings. It
// fails when either side is null.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	x, okX := models.AsNumber(a)
	y, okY := models.AsNumber(b)
	if okX && okY {
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(models.FormatValue(a), models.FormatValue(b)), true
}
