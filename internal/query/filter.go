package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/locussearch/locus/internal/apperr"
)

// Filter AST. Paths are slash-separated segment lists; inside a lambda the
// first segment may be the bound range variable.

type node interface{ filterNode() }

type cmpNode struct {
	path []string
	op   string
	lit  literal
}

type logicalNode struct {
	op   string // "and" | "or"
	kids []node
}

type notNode struct {
	kid node
}

type inNode struct {
	path   []string
	values []string
}

type lambdaNode struct {
	kind     string // "any" | "all"
	path     []string
	variable string
	pred     node // nil for bare any()
}

func (*cmpNode) filterNode()     {}
func (*logicalNode) filterNode() {}
func (*notNode) filterNode()     {}
func (*inNode) filterNode()      {}
func (*lambdaNode) filterNode()  {}

type litKind int

const (
	litString litKind = iota
	litNumber
	litBool
	litDateTime
	litNull
)

type literal struct {
	kind litKind
	str  string
	num  float64
	b    bool
	tm   time.Time
}

// ---- lexer ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokDateTime
	tokLParen
	tokRParen
	tokComma
	tokColon
	tokSlash
)

type token struct {
	kind tokKind
	text string
	num  float64
	tm   time.Time
	pos  int
}

type filterLexer struct {
	src string
	pos int
}

func errMalformedFilter(format string, args ...any) error {
	return apperr.New(apperr.CodeInvalidFilter, "malformed filter: "+format, args...)
}

func (l *filterLexer) next() (token, error) {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch c {
	case '(':
		l.pos++
		return token{kind: tokLParen, pos: start}, nil
	case ')':
		l.pos++
		return token{kind: tokRParen, pos: start}, nil
	case ',':
		l.pos++
		return token{kind: tokComma, pos: start}, nil
	case ':':
		l.pos++
		return token{kind: tokColon, pos: start}, nil
	case '/':
		l.pos++
		return token{kind: tokSlash, pos: start}, nil
	case '\'':
		return l.scanString()
	}

	if isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])) {
		return l.scanNumberOrDateTime()
	}
	if isIdentStart(c) {
		return l.scanIdent()
	}
	return token{}, errMalformedFilter("unexpected character %q at position %d", string(c), start)
}

func (l *filterLexer) scanString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, errMalformedFilter("unterminated string literal at position %d", start)
}

func (l *filterLexer) scanNumberOrDateTime() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isLiteralChar(l.src[l.pos]) {
		l.pos++
	}
	raw := l.src[start:l.pos]

	if tm, ok := parseDateTime(raw); ok {
		return token{kind: tokDateTime, tm: tm, pos: start}, nil
	}
	num, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return token{}, errMalformedFilter("invalid literal %q at position %d", raw, start)
	}
	return token{kind: tokNumber, num: num, pos: start}, nil
}

func (l *filterLexer) scanIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
		l.pos++
	}
	return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentChar(c byte) bool  { return isIdentStart(c) || isDigit(c) || c == '.' }

// isLiteralChar covers numbers and ISO-8601 timestamps.
func isLiteralChar(c byte) bool {
	return isDigit(c) || c == '.' || c == '-' || c == '+' || c == ':' || c == 'T' || c == 'Z'
}

func parseDateTime(raw string) (time.Time, bool) {
	if len(raw) < 10 || raw[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if tm, err := time.Parse(layout, raw); err == nil {
			return tm.UTC(), true
		}
	}
	return time.Time{}, false
}

// ---- parser ----

type filterParser struct {
	lex  *filterLexer
	tok  token
	vars map[string]bool
}

// parseFilter parses the supported OData filter subset into an AST.
// Syntax errors surface as InvalidFilter.
func parseFilter(src string) (node, error) {
	p := &filterParser{lex: &filterLexer{src: src}, vars: make(map[string]bool)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, errMalformedFilter("unexpected trailing input at position %d", p.tok.pos)
	}
	return n, nil
}

func (p *filterParser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *filterParser) expect(kind tokKind, what string) error {
	if p.tok.kind != kind {
		return errMalformedFilter("expected %s at position %d", what, p.tok.pos)
	}
	return p.advance()
}

func (p *filterParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	kids := []node{left}
	for p.tok.kind == tokIdent && p.tok.text == "or" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		kids = append(kids, right)
	}
	if len(kids) == 1 {
		return left, nil
	}
	return &logicalNode{op: "or", kids: kids}, nil
}

func (p *filterParser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	kids := []node{left}
	for p.tok.kind == tokIdent && p.tok.text == "and" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		kids = append(kids, right)
	}
	if len(kids) == 1 {
		return left, nil
	}
	return &logicalNode{op: "and", kids: kids}, nil
}

func (p *filterParser) parseUnary() (node, error) {
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		kid, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{kid: kid}, nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (node, error) {
	switch p.tok.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil

	case tokIdent:
		switch p.tok.text {
		case "search.in":
			return p.parseSearchIn()
		case "geo.distance", "geo.intersects":
			return nil, apperr.New(apperr.CodeInvalidFilter,
				"%s is not supported; geography fields round-trip only", p.tok.text)
		}
		return p.parsePathExpression()
	}
	return nil, errMalformedFilter("unexpected token at position %d", p.tok.pos)
}

func (p *filterParser) parseSearchIn() (node, error) {
	if err := p.advance(); err != nil { // search.in
		return nil, err
	}
	if err := p.expect(tokLParen, "'(' after search.in"); err != nil {
		return nil, err
	}
	path, lambda, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	if lambda != "" {
		return nil, errMalformedFilter("search.in expects a field path")
	}
	if err := p.expect(tokComma, "',' in search.in"); err != nil {
		return nil, err
	}
	if p.tok.kind != tokString {
		return nil, errMalformedFilter("search.in expects a quoted value list at position %d", p.tok.pos)
	}
	valueList := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}

	delims := ","
	if p.tok.kind == tokComma {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokString {
			return nil, errMalformedFilter("search.in delimiter must be a quoted string at position %d", p.tok.pos)
		}
		delims = p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.expect(tokRParen, "')' closing search.in"); err != nil {
		return nil, err
	}

	values := splitOnAny(valueList, delims)
	if len(values) == 0 {
		return nil, errMalformedFilter("search.in value list is empty")
	}
	return &inNode{path: path, values: values}, nil
}

func splitOnAny(s, delims string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parsePath consumes ident('/'ident)* and stops early when a segment is
// any/all followed by '(' — the lambda marker.
func (p *filterParser) parsePath() ([]string, string, error) {
	if p.tok.kind != tokIdent {
		return nil, "", errMalformedFilter("expected field path at position %d", p.tok.pos)
	}
	segs := []string{p.tok.text}
	if err := p.advance(); err != nil {
		return nil, "", err
	}
	for p.tok.kind == tokSlash {
		if err := p.advance(); err != nil {
			return nil, "", err
		}
		if p.tok.kind != tokIdent {
			return nil, "", errMalformedFilter("expected path segment at position %d", p.tok.pos)
		}
		seg := p.tok.text
		if err := p.advance(); err != nil {
			return nil, "", err
		}
		if (seg == "any" || seg == "all") && p.tok.kind == tokLParen {
			return segs, seg, nil
		}
		segs = append(segs, seg)
	}
	return segs, "", nil
}

func (p *filterParser) parsePathExpression() (node, error) {
	path, lambda, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	if lambda != "" {
		return p.parseLambda(path, lambda)
	}

	if p.tok.kind != tokIdent {
		return nil, errMalformedFilter("expected comparison operator at position %d", p.tok.pos)
	}
	op := p.tok.text
	switch op {
	case "eq", "ne", "gt", "lt", "ge", "le":
	default:
		return nil, errMalformedFilter("unknown operator %q at position %d", op, p.tok.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &cmpNode{path: path, op: op, lit: lit}, nil
}

func (p *filterParser) parseLambda(path []string, kind string) (node, error) {
	if err := p.expect(tokLParen, "'(' after "+kind); err != nil {
		return nil, err
	}
	if p.tok.kind == tokRParen {
		if kind == "all" {
			return nil, errMalformedFilter("all() requires a predicate")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &lambdaNode{kind: kind, path: path}, nil
	}

	if p.tok.kind != tokIdent {
		return nil, errMalformedFilter("expected range variable at position %d", p.tok.pos)
	}
	variable := p.tok.text
	if p.vars[variable] {
		return nil, errMalformedFilter("range variable %q is already in scope", variable)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(tokColon, "':' after range variable"); err != nil {
		return nil, err
	}

	p.vars[variable] = true
	pred, err := p.parseOr()
	delete(p.vars, variable)
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokRParen, "')' closing "+kind); err != nil {
		return nil, err
	}
	return &lambdaNode{kind: kind, path: path, variable: variable, pred: pred}, nil
}

func (p *filterParser) parseLiteral() (literal, error) {
	switch p.tok.kind {
	case tokString:
		lit := literal{kind: litString, str: p.tok.text}
		return lit, p.advance()
	case tokNumber:
		lit := literal{kind: litNumber, num: p.tok.num}
		return lit, p.advance()
	case tokDateTime:
		lit := literal{kind: litDateTime, tm: p.tok.tm}
		return lit, p.advance()
	case tokIdent:
		switch p.tok.text {
		case "true":
			return literal{kind: litBool, b: true}, p.advance()
		case "false":
			return literal{kind: litBool, b: false}, p.advance()
		case "null":
			return literal{kind: litNull}, p.advance()
		}
	}
	return literal{}, errMalformedFilter("expected literal at position %d", p.tok.pos)
}
