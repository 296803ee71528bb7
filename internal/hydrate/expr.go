package hydrate

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokDot
	tokLParen
	tokRParen
	tokComma
	tokOp
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

// lexExpr splits an expression into tokens. A digit run directly after a
// dot is always a path segment, so items.0.1 indexes twice.
func lexExpr(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: "."})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ","})
			i++
		case c == '\'' || c == '"':
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != c {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string in %q", src)
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
			i = j + 1
		case isDigit(c):
			j := i
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			afterDot := len(toks) > 0 && toks[len(toks)-1].kind == tokDot
			if !afterDot && j+1 < len(src) && src[j] == '.' && isDigit(src[j+1]) {
				j++
				for j < len(src) && isDigit(src[j]) {
					j++
				}
			}
			n, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", src[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: n})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			op, ok := matchOp(src[i:])
			if !ok {
				return nil, fmt.Errorf("unexpected character %q in %q", c, src)
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func matchOp(s string) (string, bool) {
	for _, op := range []string{"&&", "||", "==", "!=", ">=", "<=", ">", "<", "!", "-"} {
		if strings.HasPrefix(s, op) {
			return op, true
		}
	}
	return "", false
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || c == '@' || unicode.IsLetter(rune(c)) }
func isIdentPart(c byte) bool  { return c == '_' || isDigit(c) || unicode.IsLetter(rune(c)) }

// expr is a node of the expression tree.
type expr interface{ isExpr() }

type literalExpr struct{ value any }

type pathExpr struct{ segments []string }

type unaryExpr struct {
	op      string
	operand expr
}

type binaryExpr struct {
	op          string
	left, right expr
}

type callExpr struct {
	name string
	fn   helper
	args []expr
}

func (literalExpr) isExpr() {}
func (pathExpr) isExpr()    {}
func (unaryExpr) isExpr()   {}
func (binaryExpr) isExpr()  {}
func (callExpr) isExpr()    {}

type exprParser struct {
	toks     []token
	pos      int
	depth    int
	maxDepth int
}

// parseExpr parses a complete expression.
//
//	or      = and { "||" and }
//	and     = eq { "&&" eq }
//	eq      = cmp { ("==" | "!=") cmp }
//	cmp     = unary { (">" | ">=" | "<" | "<=") unary }
//	unary   = ("!" | "-") unary | primary
//	primary = number | string | true | false | null
//	        | "(" or ")" | helper "(" [ or { "," or } ] ")" | path
//	path    = ident { "." (ident | digits) }
func parseExpr(src string, maxDepth int) (expr, error) {
	toks, err := lexExpr(src)
	if err != nil {
		return nil, syntaxError(err.Error())
	}
	p := &exprParser{toks: toks, maxDepth: maxDepth}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, syntaxError(fmt.Sprintf("unexpected %q in %q", p.peek().text, src))
	}
	return e, nil
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) enter() error {
	p.depth++
	if p.depth > p.maxDepth {
		return depthError(p.maxDepth)
	}
	return nil
}

func (p *exprParser) leave() { p.depth-- }

func (p *exprParser) parseOr() (expr, error) {
	return p.parseBinary(p.parseAnd, "||")
}

func (p *exprParser) parseAnd() (expr, error) {
	return p.parseBinary(p.parseEq, "&&")
}

func (p *exprParser) parseEq() (expr, error) {
	return p.parseBinary(p.parseCmp, "==", "!=")
}

func (p *exprParser) parseCmp() (expr, error) {
	return p.parseBinary(p.parseUnary, ">=", "<=", ">", "<")
}

func (p *exprParser) parseBinary(operand func() (expr, error), ops ...string) (expr, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp(ops...)
		if !ok {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literalExpr{value: t.num}, nil
	case tokString:
		return literalExpr{value: t.text}, nil
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, syntaxError("missing )")
		}
		return e, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literalExpr{value: true}, nil
		case "false":
			return literalExpr{value: false}, nil
		case "null":
			return literalExpr{value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		return p.parsePath(t.text)
	case tokEOF:
		return nil, syntaxError("unexpected end of expression")
	}
	return nil, syntaxError(fmt.Sprintf("unexpected %q", t.text))
}

func (p *exprParser) parseCall(name string) (expr, error) {
	h, ok := helpers[name]
	if !ok {
		return nil, syntaxError(fmt.Sprintf("unknown helper %q", name))
	}
	p.next() // (
	var args []expr
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.next().kind != tokRParen {
		return nil, syntaxError(fmt.Sprintf("missing ) after %s arguments", name))
	}
	if len(args) < h.minArgs || len(args) > h.maxArgs {
		return nil, syntaxError(fmt.Sprintf("%s takes %s arguments, got %d", name, h.arity(), len(args)))
	}
	return callExpr{name: name, fn: h, args: args}, nil
}

func (p *exprParser) parsePath(first string) (expr, error) {
	segments := []string{first}
	for p.peek().kind == tokDot {
		p.next()
		seg := p.next()
		if seg.kind != tokIdent && seg.kind != tokNumber {
			return nil, syntaxError(fmt.Sprintf("bad path segment after %s", strings.Join(segments, ".")))
		}
		segments = append(segments, seg.text)
	}
	return pathExpr{segments: segments}, nil
}
