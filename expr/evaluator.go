package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/trinity-platform/trinity/core"
)

// Context resolves dotted reference paths for evaluation. The execution
// runtime provides the implementation exposing input, trigger, and
// steps.<id>.{output,status,duration,started_at,completed_at}.
type Context interface {
	Resolve(path []string) Value
}

// Ref names a root referenced by an expression; the validator uses it to
// check that steps.<id> references exist.
type Ref struct {
	Root   string // "input", "trigger", or "steps"
	StepID string // set when Root == "steps"
}

// --- lexer ---

type tokenKind int

const (
	tkPath tokenKind = iota
	tkNumber
	tkString
	tkOp
	tkPipe
	tkColon
)

type token struct {
	kind tokenKind
	text string
}

func isPathChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.' || c == '[' || c == ']'
}

func lex(s string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'':
			j := i + 1
			for j < len(s) && s[j] != '\'' {
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("%w: unterminated string literal in %q", core.ErrExpression, s)
			}
			tokens = append(tokens, token{tkString, s[i+1 : j]})
			i = j + 1
		case c == '|':
			tokens = append(tokens, token{tkPipe, "|"})
			i++
		case c == ':':
			tokens = append(tokens, token{tkColon, ":"})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				tokens = append(tokens, token{tkOp, s[i : i+2]})
				i += 2
			} else if c == '<' || c == '>' {
				tokens = append(tokens, token{tkOp, s[i : i+1]})
				i++
			} else {
				return nil, fmt.Errorf("%w: unexpected %q in %q", core.ErrExpression, string(c), s)
			}
		case c >= '0' && c <= '9' || (c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9'):
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tkNumber, s[i:j]})
			i = j
		case isPathChar(c):
			j := i
			for j < len(s) && isPathChar(s[j]) {
				j++
			}
			tokens = append(tokens, token{tkPath, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected %q in %q", core.ErrExpression, string(c), s)
		}
	}
	return tokens, nil
}

// splitPath turns "a.b[0].c" into ["a","b","0","c"].
func splitPath(p string) ([]string, error) {
	var segs []string
	var cur strings.Builder
	flush := func() error {
		if cur.Len() == 0 {
			return fmt.Errorf("%w: empty path segment in %q", core.ErrExpression, p)
		}
		segs = append(segs, cur.String())
		cur.Reset()
		return nil
	}
	i := 0
	for i < len(p) {
		switch p[i] {
		case '.':
			if err := flush(); err != nil {
				return nil, err
			}
			i++
		case '[':
			if err := flush(); err != nil {
				return nil, err
			}
			j := i + 1
			for j < len(p) && p[j] != ']' {
				j++
			}
			if j >= len(p) {
				return nil, fmt.Errorf("%w: unterminated index in %q", core.ErrExpression, p)
			}
			idx := p[i+1 : j]
			if _, err := strconv.Atoi(idx); err != nil {
				return nil, fmt.Errorf("%w: non-integer index %q in %q", core.ErrExpression, idx, p)
			}
			segs = append(segs, idx)
			i = j + 1
			if i < len(p) && p[i] == '.' {
				i++
			}
		default:
			cur.WriteByte(p[i])
			i++
		}
	}
	if cur.Len() > 0 {
		segs = append(segs, cur.String())
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty path", core.ErrExpression)
	}
	return segs, nil
}

// --- parser ---

// operand is either a literal or a reference path with an optional
// default: filter.
type operand struct {
	isLiteral  bool
	lit        Value
	path       []string
	hasDefault bool
	def        Value
}

func (o operand) resolve(ctx Context) Value {
	if o.isLiteral {
		return o.lit
	}
	v := ctx.Resolve(o.path)
	if o.hasDefault && v.IsEmpty() {
		return o.def
	}
	return v
}

func (o operand) ref() (Ref, bool, error) {
	if o.isLiteral {
		return Ref{}, false, nil
	}
	root := o.path[0]
	switch root {
	case "input", "trigger":
		return Ref{Root: root}, true, nil
	case "steps":
		if len(o.path) < 2 {
			return Ref{}, false, fmt.Errorf("%w: steps reference needs a step id", core.ErrExpression)
		}
		return Ref{Root: root, StepID: o.path[1]}, true, nil
	default:
		return Ref{}, false, fmt.Errorf("%w: unknown reference root %q", core.ErrExpression, root)
	}
}

func literalFromToken(t token) (Value, bool) {
	switch t.kind {
	case tkString:
		return StringValue(t.text), true
	case tkNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Value{}, false
		}
		return NumberValue(f), true
	case tkPath:
		if t.text == "true" {
			return BoolValue(true), true
		}
		if t.text == "false" {
			return BoolValue(false), true
		}
	}
	return Value{}, false
}

// parseOperand consumes a literal or path (with optional default filter).
func parseOperand(tokens []token, pos int) (operand, int, error) {
	if pos >= len(tokens) {
		return operand{}, pos, fmt.Errorf("%w: expected operand", core.ErrExpression)
	}
	t := tokens[pos]
	if lit, ok := literalFromToken(t); ok && (t.kind != tkPath || t.text == "true" || t.text == "false") {
		return operand{isLiteral: true, lit: lit}, pos + 1, nil
	}
	if t.kind != tkPath {
		return operand{}, pos, fmt.Errorf("%w: expected reference or literal, got %q", core.ErrExpression, t.text)
	}
	path, err := splitPath(t.text)
	if err != nil {
		return operand{}, pos, err
	}
	op := operand{path: path}
	pos++
	if pos < len(tokens) && tokens[pos].kind == tkPipe {
		pos++
		if pos >= len(tokens) || tokens[pos].kind != tkPath || tokens[pos].text != "default" {
			return operand{}, pos, fmt.Errorf("%w: only the default filter is supported", core.ErrExpression)
		}
		pos++
		if pos >= len(tokens) || tokens[pos].kind != tkColon {
			return operand{}, pos, fmt.Errorf("%w: default filter requires default:VALUE", core.ErrExpression)
		}
		pos++
		if pos >= len(tokens) {
			return operand{}, pos, fmt.Errorf("%w: default filter missing value", core.ErrExpression)
		}
		def, ok := literalFromToken(tokens[pos])
		if !ok {
			// Bare words are allowed as default values.
			if tokens[pos].kind == tkPath {
				def = StringValue(tokens[pos].text)
			} else {
				return operand{}, pos, fmt.Errorf("%w: invalid default value", core.ErrExpression)
			}
		}
		op.hasDefault = true
		op.def = def
		pos++
	}
	return op, pos, nil
}

type comparison struct {
	left  operand
	op    string // "" for a bare truthiness test
	right operand
}

func parseComparison(s string) (*comparison, error) {
	tokens, err := lex(s)
	if err != nil {
		return nil, err
	}
	left, pos, err := parseOperand(tokens, 0)
	if err != nil {
		return nil, err
	}
	cmp := &comparison{left: left}
	if pos >= len(tokens) {
		return cmp, nil
	}
	t := tokens[pos]
	switch {
	case t.kind == tkOp:
		cmp.op = t.text
	case t.kind == tkPath && t.text == "contains":
		cmp.op = "contains"
	default:
		return nil, fmt.Errorf("%w: expected operator, got %q", core.ErrExpression, t.text)
	}
	pos++
	right, pos, err := parseOperand(tokens, pos)
	if err != nil {
		return nil, err
	}
	cmp.right = right
	if pos != len(tokens) {
		return nil, fmt.Errorf("%w: trailing tokens in %q", core.ErrExpression, s)
	}
	return cmp, nil
}

func (c *comparison) eval(ctx Context) bool {
	l := c.left.resolve(ctx)
	if c.op == "" {
		return l.Truthy()
	}
	r := c.right.resolve(ctx)
	switch c.op {
	case "==":
		return l.Equals(r)
	case "!=":
		if l.Kind == Missing || r.Kind == Missing {
			return true
		}
		return !l.Equals(r)
	case "<":
		less, ok := l.Less(r)
		return ok && less
	case ">":
		less, ok := r.Less(l)
		return ok && less
	case "<=":
		less, ok := l.Less(r)
		return ok && less || l.Equals(r)
	case ">=":
		less, ok := r.Less(l)
		return ok && less || l.Equals(r)
	case "contains":
		return l.Contains(r)
	}
	return false
}

// --- public API ---

// Interpolate substitutes every {{ expr }} occurrence in s. Missing
// references stringify to the empty string; only syntax errors fail.
func Interpolate(s string, ctx Context) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated {{ in %q", core.ErrExpression, s)
		}
		inner := rest[start+2 : start+end]
		v, err := evalPipeline(inner, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(v.Stringify())
		rest = rest[start+end+2:]
	}
}

// EvalValue evaluates s preserving JSON types when it is a single
// {{ expr }} template; mixed text falls back to string interpolation.
// Output capture and sub-process input mappings use this so step outputs
// keep their structure.
func EvalValue(s string, ctx Context) (Value, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return evalPipeline(inner, ctx)
		}
	}
	out, err := Interpolate(s, ctx)
	if err != nil {
		return Value{}, err
	}
	return StringValue(out), nil
}

// EvalCondition evaluates a boolean expression for step conditions and
// gateway routing. The surrounding {{ }} is optional.
func EvalCondition(s string, ctx Context) (bool, error) {
	cmp, err := parseComparison(stripBraces(s))
	if err != nil {
		return false, err
	}
	return cmp.eval(ctx), nil
}

func evalPipeline(inner string, ctx Context) (Value, error) {
	tokens, err := lex(inner)
	if err != nil {
		return Value{}, err
	}
	op, pos, err := parseOperand(tokens, 0)
	if err != nil {
		return Value{}, err
	}
	if pos != len(tokens) {
		return Value{}, fmt.Errorf("%w: trailing tokens in %q", core.ErrExpression, inner)
	}
	return op.resolve(ctx), nil
}

func stripBraces(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		return trimmed[2 : len(trimmed)-2]
	}
	return trimmed
}

// CheckTemplate parses every {{ expr }} in a template string and returns
// the references it makes. Used by the definition validator.
func CheckTemplate(s string) ([]Ref, error) {
	var refs []Ref
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if strings.Contains(rest, "}}") {
				return nil, fmt.Errorf("%w: stray }} in %q", core.ErrExpression, s)
			}
			return refs, nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated {{ in %q", core.ErrExpression, s)
		}
		inner := rest[start+2 : start+end]
		tokens, err := lex(inner)
		if err != nil {
			return nil, err
		}
		op, pos, err := parseOperand(tokens, 0)
		if err != nil {
			return nil, err
		}
		if pos != len(tokens) {
			return nil, fmt.Errorf("%w: trailing tokens in %q", core.ErrExpression, inner)
		}
		if ref, ok, err := op.ref(); err != nil {
			return nil, err
		} else if ok {
			refs = append(refs, ref)
		}
		rest = rest[start+end+2:]
	}
}

// CheckCondition parses a condition expression and returns its references.
func CheckCondition(s string) ([]Ref, error) {
	cmp, err := parseComparison(stripBraces(s))
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, op := range []operand{cmp.left, cmp.right} {
		if op.path == nil {
			continue
		}
		ref, ok, err := op.ref()
		if err != nil {
			return nil, err
		}
		if ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}
