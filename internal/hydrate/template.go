package hydrate

import (
	"fmt"
	"strings"

	"cs-workflows/backend/pkg/models"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

type segment interface{ isSegment() }

type textSegment struct{ text string }

type outputSegment struct{ value expr }

type ifSegment struct {
	cond      expr
	then, els []segment
	inElse    bool
}

type eachSegment struct {
	list expr
	body []segment
}

func (*textSegment) isSegment()   {}
func (*outputSegment) isSegment() {}
func (*ifSegment) isSegment()     {}
func (*eachSegment) isSegment()   {}

// block is an open #if or #each on the parse stack.
type block struct {
	seg  segment
	name string
}

// parseTemplate turns markup into segments. Blocks may nest up to
// maxDepth levels.
func parseTemplate(src string, maxDepth int) ([]segment, error) {
	var (
		root  []segment
		stack []block
	)
	emit := func(s segment) {
		if len(stack) == 0 {
			root = append(root, s)
			return
		}
		switch b := stack[len(stack)-1].seg.(type) {
		case *ifSegment:
			if b.inElse {
				b.els = append(b.els, s)
			} else {
				b.then = append(b.then, s)
			}
		case *eachSegment:
			b.body = append(b.body, s)
		}
	}

	rest := src
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				emit(&textSegment{text: rest})
			}
			break
		}
		if start > 0 {
			emit(&textSegment{text: rest[:start]})
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, syntaxError(fmt.Sprintf("unclosed %s in %q", openDelim, src))
		}
		tag := strings.TrimSpace(rest[start+len(openDelim) : start+len(openDelim)+end])
		rest = rest[start+len(openDelim)+end+len(closeDelim):]

		switch {
		case strings.HasPrefix(tag, "#if ") || tag == "#if":
			cond, err := parseExpr(strings.TrimPrefix(tag, "#if"), maxDepth)
			if err != nil {
				return nil, err
			}
			if len(stack) >= maxDepth {
				return nil, depthError(maxDepth)
			}
			seg := &ifSegment{cond: cond}
			emit(seg)
			stack = append(stack, block{seg: seg, name: "if"})
		case strings.HasPrefix(tag, "#each ") || tag == "#each":
			list, err := parseExpr(strings.TrimPrefix(tag, "#each"), maxDepth)
			if err != nil {
				return nil, err
			}
			if len(stack) >= maxDepth {
				return nil, depthError(maxDepth)
			}
			seg := &eachSegment{list: list}
			emit(seg)
			stack = append(stack, block{seg: seg, name: "each"})
		case tag == "else":
			if len(stack) == 0 || stack[len(stack)-1].name != "if" {
				return nil, syntaxError("{{else}} outside {{#if}}")
			}
			seg := stack[len(stack)-1].seg.(*ifSegment)
			if seg.inElse {
				return nil, syntaxError("duplicate {{else}}")
			}
			seg.inElse = true
		case tag == "/if" || tag == "/each":
			name := tag[1:]
			if len(stack) == 0 || stack[len(stack)-1].name != name {
				return nil, syntaxError(fmt.Sprintf("unexpected {{%s}}", tag))
			}
			stack = stack[:len(stack)-1]
		case strings.HasPrefix(tag, "#") || strings.HasPrefix(tag, "/"):
			return nil, syntaxError(fmt.Sprintf("unknown block {{%s}}", tag))
		default:
			value, err := parseExpr(tag, maxDepth)
			if err != nil {
				return nil, err
			}
			emit(&outputSegment{value: value})
		}
	}
	if len(stack) > 0 {
		return nil, syntaxError(fmt.Sprintf("unclosed {{#%s}} in %q", stack[len(stack)-1].name, src))
	}
	return root, nil
}

func render(sb *strings.Builder, segs []segment, s *scope) {
	for _, seg := range segs {
		switch n := seg.(type) {
		case *textSegment:
			sb.WriteString(n.text)
		case *outputSegment:
			sb.WriteString(models.FormatValue(eval(n.value, s)))
		case *ifSegment:
			if truthy(eval(n.cond, s)) {
				render(sb, n.then, s)
			} else {
				render(sb, n.els, s)
			}
		case *eachSegment:
			for i, item := range iterable(eval(n.list, s)) {
				render(sb, n.body, &scope{this: item, index: i, parent: s})
			}
		}
	}
}

// neutralize breaks up every open delimiter in rendered output. Text
// segments never contain one, so any found here was assembled from
// substituted values and the text around them.
func neutralize(v string) string {
	for strings.Contains(v, openDelim) {
		v = strings.ReplaceAll(v, openDelim, "{ {")
	}
	return v
}

func iterable(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	}
	return nil
}
