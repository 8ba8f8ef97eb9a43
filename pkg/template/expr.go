package template

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate runs a restricted boolean expression against ctx. The grammar
// supports equality/inequality, numeric comparisons, &&/||/!, `in` membership
// against arrays and strings, optional chaining (a?.b?.c), and string/array
// `.includes(x)`. There is no assignment, no function definition, and no
// access to anything outside ctx.
//
// Evaluate is total: any lex, parse, or evaluation error yields false and a
// log entry.
func Evaluate(expr string, ctx map[string]any) bool {
	v, err := evalExpr(expr, ctx)
	if err != nil {
		slog.Warn("Expression evaluation failed", "expression", expr, "error", err)
		return false
	}
	return truthy(v)
}

// ValidateExpression parses expr without evaluating it. The flow validator
// rejects expressions outside the grammar at registration time so runtime
// evaluation failures are limited to data-shape surprises.
func ValidateExpression(expr string) error {
	toks, err := lex(expr)
	if err != nil {
		return err
	}
	p := &parser{toks: toks}
	if _, err := p.parseOr(evalDisabled); err != nil {
		return err
	}
	if !p.atEnd() {
		return fmt.Errorf("unexpected trailing input at %q", p.peek().text)
	}
	return nil
}

func evalExpr(expr string, ctx map[string]any) (any, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, ctx: ctx}
	v, err := p.parseOr(evalEnabled)
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected trailing input at %q", p.peek().text)
	}
	return v, nil
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != < <= > >= && || !
	tokLParen // (
	tokRParen // )
	tokDot    // . and ?.
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: "."})
			i++
		case c == '?' && i+1 < len(s) && s[i+1] == '.':
			toks = append(toks, token{kind: tokDot, text: "?."})
			i += 2
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(s) && s[j] != c {
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{kind: tokString, text: s[i+1 : j]})
			i = j + 1
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{kind: tokOp, text: s[i : i+2]})
				i += 2
			} else if c == '=' {
				return nil, fmt.Errorf("single '=' is not an operator")
			} else {
				toks = append(toks, token{kind: tokOp, text: string(c)})
				i++
			}
		case c == '&' || c == '|':
			if i+1 >= len(s) || s[i+1] != c {
				return nil, fmt.Errorf("invalid operator %q", string(c))
			}
			toks = append(toks, token{kind: tokOp, text: s[i : i+2]})
			i += 2
		case c >= '0' && c <= '9' || (c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9' && startsValue(toks)):
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			// A trailing '.' belongs to a path segment, not the number.
			if j > i && s[j-1] == '.' {
				j--
			}
			n, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", s[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j], num: n})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(s) && isIdentPart(rune(s[j])) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

// startsValue reports whether the next token is in value position, which
// makes a leading '-' part of a numeric literal rather than an operator.
func startsValue(toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	switch toks[len(toks)-1].kind {
	case tokOp, tokLParen:
		return true
	default:
		return false
	}
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// --- parser / evaluator ---

// The parser doubles as the evaluator: in evalEnabled mode every production
// returns its value; in evalDisabled mode (ValidateExpression) it only checks
// structure. Short-circuit branches still parse their right-hand side so
// validation covers the whole expression.

type evalMode bool

const (
	evalEnabled  evalMode = true
	evalDisabled evalMode = false
)

type parser struct {
	toks []token
	pos  int
	ctx  map[string]any
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tokOp && p.peek().text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr(mode evalMode) (any, error) {
	left, err := p.parseAnd(mode)
	if err != nil {
		return nil, err
	}
	for p.acceptOp("||") {
		right, err := p.parseAnd(mode)
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd(mode evalMode) (any, error) {
	left, err := p.parseUnary(mode)
	if err != nil {
		return nil, err
	}
	for p.acceptOp("&&") {
		right, err := p.parseUnary(mode)
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseUnary(mode evalMode) (any, error) {
	if p.acceptOp("!") {
		v, err := p.parseUnary(mode)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison(mode)
}

func (p *parser) parseComparison(mode evalMode) (any, error) {
	left, err := p.parseTerm(mode)
	if err != nil {
		return nil, err
	}
	// `in` membership
	if p.peek().kind == tokIdent && p.peek().text == "in" {
		p.next()
		right, err := p.parseTerm(mode)
		if err != nil {
			return nil, err
		}
		if mode == evalDisabled {
			return false, nil
		}
		return contains(right, left)
	}
	if p.peek().kind != tokOp {
		return left, nil
	}
	op := p.peek().text
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		p.next()
	default:
		return left, nil
	}
	right, err := p.parseTerm(mode)
	if err != nil {
		return nil, err
	}
	if mode == evalDisabled {
		return false, nil
	}
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	default:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("non-numeric operand for %q", op)
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	}
}

func (p *parser) parseTerm(mode evalMode) (any, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		v, err := p.parseOr(mode)
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return v, nil
	case tokNumber:
		p.next()
		return t.num, nil
	case tokString:
		p.next()
		return t.text, nil
	case tokIdent:
		switch t.text {
		case "true":
			p.next()
			return true, nil
		case "false":
			p.next()
			return false, nil
		case "null", "nil":
			p.next()
			return nil, nil
		}
		return p.parsePath(mode)
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

// parsePath consumes ident (('.'|'?.') ident)* with an optional trailing
// .includes(expr) call. Missing segments resolve to nil (optional chaining
// and plain dots behave identically on absent data).
func (p *parser) parsePath(mode evalMode) (any, error) {
	var segs []string
	t := p.next()
	segs = append(segs, t.text)
	for p.peek().kind == tokDot {
		p.next()
		seg := p.peek()
		if seg.kind != tokIdent && seg.kind != tokNumber {
			return nil, fmt.Errorf("expected path segment after '.'")
		}
		p.next()
		// Method call: .includes(arg) on the path so far.
		if seg.kind == tokIdent && seg.text == "includes" && p.peek().kind == tokLParen {
			p.next()
			arg, err := p.parseOr(mode)
			if err != nil {
				return nil, err
			}
			if p.peek().kind != tokRParen {
				return nil, fmt.Errorf("missing ')' after includes argument")
			}
			p.next()
			if mode == evalDisabled {
				return false, nil
			}
			recv, _ := Lookup(p.ctx, strings.Join(segs, "."))
			return contains(recv, arg)
		}
		segs = append(segs, seg.text)
	}
	if mode == evalDisabled {
		return nil, nil
	}
	v, _ := Lookup(p.ctx, strings.Join(segs, "."))
	return v, nil
}

// --- value helpers ---

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// looseEqual compares with numeric coercion so "5" == 5 and 5.0 == 5 hold,
// matching what operators authoring flows in YAML expect.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return a == nil && b == nil
}

// contains implements both `x in coll` and `coll.includes(x)`.
func contains(coll, item any) (any, error) {
	switch c := coll.(type) {
	case nil:
		return false, nil
	case string:
		return strings.Contains(c, Stringify(item)), nil
	case []any:
		for _, v := range c {
			if looseEqual(v, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("membership test against %T", coll)
	}
}
