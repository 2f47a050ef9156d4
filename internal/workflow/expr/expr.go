// Package expr implements the workflow condition language: a small, total,
// side-effect-free evaluator over an instance's variable map.
//
// Grammar, loosest binding first:
//
//	or     := and ("||" and)*
//	and    := cmp ("&&" cmp)*
//	cmp    := unary (("=="|"!="|"<"|"<="|">"|">=") unary)?
//	unary  := "!" unary | primary
//	primary:= number | string | true | false | null
//	       | ident ("." ident)* | "${" path "}" | "(" or ")"
//
// Semantics are deliberately rigid: an undefined reference evaluates to
// null, null in a boolean context is false, and comparisons between
// mismatched types are false (never an error).
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
)

// Eval parses and evaluates the expression against vars.
func Eval(expression string, vars map[string]interface{}) (interface{}, error) {
	node, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	return node.eval(vars), nil
}

// EvalBool evaluates the expression and coerces the result to a boolean
// using the null-is-false rule.
func EvalBool(expression string, vars map[string]interface{}) (bool, error) {
	v, err := Eval(expression, vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Node is a parsed expression, reusable across evaluations.
type Node interface {
	eval(vars map[string]interface{}) interface{}
}

// Parse compiles the expression. Malformed input yields InvalidArgument.
func Parse(expression string) (Node, error) {
	p := &parser{input: expression}
	p.next()
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, apperrors.InvalidArgumentf("unexpected %q in expression", p.tok.text)
	}
	return node, nil
}

type literalNode struct{ value interface{} }

func (n literalNode) eval(map[string]interface{}) interface{} { return n.value }

type refNode struct{ path []string }

func (n refNode) eval(vars map[string]interface{}) interface{} {
	return Lookup(vars, n.path)
}

type unaryNode struct{ operand Node }

func (n unaryNode) eval(vars map[string]interface{}) interface{} {
	return !truthy(n.operand.eval(vars))
}

type binaryNode struct {
	op    string
	left  Node
	right Node
}

func (n binaryNode) eval(vars map[string]interface{}) interface{} {
	switch n.op {
	case "&&":
		return truthy(n.left.eval(vars)) && truthy(n.right.eval(vars))
	case "||":
		return truthy(n.left.eval(vars)) || truthy(n.right.eval(vars))
	}
	l := n.left.eval(vars)
	r := n.right.eval(vars)
	switch n.op {
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	case "<", "<=", ">", ">=":
		return order(n.op, l, r)
	}
	return nil
}

// Lookup walks a dotted path through nested maps. A missing or non-map
// intermediate yields nil.
func Lookup(vars map[string]interface{}, path []string) interface{} {
	var cur interface{} = vars
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		// YAML decodes nested maps this way.
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}

func equal(l, r interface{}) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if lok && rok {
		return lf == rf
	}
	if lok != rok {
		return false
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls == rs
	}
	if lok != rok {
		return false
	}
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if lok && rok {
		return lb == rb
	}
	return false
}

// order compares by the given operator; mismatched types are false.
func order(op string, l, r interface{}) bool {
	if lf, lok := asNumber(l); lok {
		if rf, rok := asNumber(r); rok {
			return cmpOrdered(op, compareFloat(lf, rf))
		}
		return false
	}
	if ls, lok := l.(string); lok {
		if rs, rok := r.(string); rok {
			return cmpOrdered(op, strings.Compare(ls, rs))
		}
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpOrdered(op string, c int) bool {
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// --- lexer / parser ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp     // == != < <= > >= && || !
	tokLParen
	tokRParen
	tokDot
	tokRef // ${...}
)

type token struct {
	kind tokenKind
	text string
}

type parser struct {
	input string
	pos   int
	tok   token
	err   error
}

func (p *parser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '.':
		p.pos++
		p.tok = token{kind: tokDot, text: "."}
	case c == '\'' || c == '"':
		p.lexString(c)
	case c == '$' && p.pos+1 < len(p.input) && p.input[p.pos+1] == '{':
		p.lexRef()
	case strings.ContainsRune("=!<>&|", rune(c)):
		p.lexOp()
	case c >= '0' && c <= '9' || c == '-':
		p.lexNumber()
	case isIdentStart(c):
		p.lexIdent()
	default:
		p.fail("unexpected character %q", string(c))
	}
}

func (p *parser) lexString(quote byte) {
	p.pos++
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != quote {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.fail("unterminated string")
		return
	}
	p.tok = token{kind: tokString, text: p.input[start:p.pos]}
	p.pos++
}

func (p *parser) lexRef() {
	p.pos += 2 // ${
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != '}' {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.fail("unterminated ${reference}")
		return
	}
	p.tok = token{kind: tokRef, text: p.input[start:p.pos]}
	p.pos++
}

func (p *parser) lexOp() {
	two := ""
	if p.pos+1 < len(p.input) {
		two = p.input[p.pos : p.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=", "&&", "||":
		p.pos += 2
		p.tok = token{kind: tokOp, text: two}
		return
	}
	one := string(p.input[p.pos])
	switch one {
	case "<", ">", "!":
		p.pos++
		p.tok = token{kind: tokOp, text: one}
	default:
		p.fail("unexpected operator %q", one)
	}
}

func (p *parser) lexNumber() {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	text := p.input[start:p.pos]
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		p.fail("malformed number %q", text)
		return
	}
	p.tok = token{kind: tokNumber, text: text}
}

func (p *parser) lexIdent() {
	start := p.pos
	for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
		p.pos++
	}
	p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func (p *parser) fail(format string, args ...interface{}) {
	if p.err == nil {
		p.err = apperrors.InvalidArgumentf("expression: "+format, args...)
	}
	p.tok = token{kind: tokEOF}
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
	return left, p.err
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
	return left, p.err
}

func (p *parser) parseCmp() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp {
		switch p.tok.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.tok.text
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return binaryNode{op: op, left: left, right: right}, p.err
		}
	}
	return left, p.err
}

func (p *parser) parseUnary() (Node, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{operand: operand}, p.err
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.tok.kind {
	case tokNumber:
		f, _ := strconv.ParseFloat(p.tok.text, 64)
		p.next()
		return literalNode{value: f}, p.err
	case tokString:
		s := p.tok.text
		p.next()
		return literalNode{value: s}, p.err
	case tokRef:
		path := strings.Split(p.tok.text, ".")
		p.next()
		return refNode{path: path}, p.err
	case tokIdent:
		switch p.tok.text {
		case "true":
			p.next()
			return literalNode{value: true}, p.err
		case "false":
			p.next()
			return literalNode{value: false}, p.err
		case "null", "nil":
			p.next()
			return literalNode{value: nil}, p.err
		}
		path := []string{p.tok.text}
		p.next()
		for p.tok.kind == tokDot {
			p.next()
			if p.tok.kind != tokIdent {
				return nil, apperrors.InvalidArgument("expression: expected identifier after '.'")
			}
			path = append(path, p.tok.text)
			p.next()
		}
		return refNode{path: path}, p.err
	case tokLParen:
		p.next()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, apperrors.InvalidArgument("expression: missing closing parenthesis")
		}
		p.next()
		return node, p.err
	case tokEOF:
		if p.err != nil {
			return nil, p.err
		}
		return nil, apperrors.InvalidArgument("expression: unexpected end of input")
	default:
		return nil, apperrors.InvalidArgumentf("expression: unexpected %q", p.tok.text)
	}
}
