package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/scanner"
	"unicode"

	"github.com/hupe1980/docudb/document"
)

var (
	// ErrEmptyQuery is returned when the predicate text is blank.
	ErrEmptyQuery = errors.New("empty query")
	// ErrSyntax is the sentinel wrapped by every *SyntaxError.
	ErrSyntax = errors.New("query syntax error")
)

// SyntaxError reports a malformed predicate expression.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at offset %d: %s", e.Offset, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokParam
	tokPunct
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

// Parse builds a predicate from an expression such as
//
//	level > @min_level AND (tenant = 'acme' OR tags CONTAINS 'beta')
//
// Keywords (AND, OR, NOT, IN, CONTAINS, PREFIX, EXISTS, TRUE, FALSE, NULL)
// are case-insensitive. Strings use single or double quotes.
func Parse(text string) (Predicate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return pred, nil
}

// MustParse is like Parse but panics on error.
func MustParse(text string) Predicate {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

func tokenize(text string) ([]token, error) {
	var (
		s       scanner.Scanner
		scanErr *SyntaxError
	)
	s.Init(strings.NewReader(text))
	s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings
	s.Error = func(s *scanner.Scanner, msg string) {
		if scanErr == nil {
			scanErr = &SyntaxError{Offset: s.Pos().Offset, Msg: msg}
		}
	}

	var toks []token
	for {
		r := s.Scan()
		if scanErr != nil {
			return nil, scanErr
		}
		off := s.Position.Offset

		switch r {
		case scanner.EOF:
			return append(toks, token{kind: tokEOF, offset: len(text)}), nil
		case scanner.Ident:
			toks = append(toks, token{kind: tokIdent, text: s.TokenText(), offset: off})
		case scanner.Int, scanner.Float:
			toks = append(toks, token{kind: tokNumber, text: s.TokenText(), offset: off})
		case scanner.String:
			str, err := strconv.Unquote(s.TokenText())
			if err != nil {
				return nil, &SyntaxError{Offset: off, Msg: "invalid string literal"}
			}
			toks = append(toks, token{kind: tokString, text: str, offset: off})
		case '\'':
			str, err := scanSingleQuoted(&s)
			if err != nil {
				return nil, &SyntaxError{Offset: off, Msg: err.Error()}
			}
			toks = append(toks, token{kind: tokString, text: str, offset: off})
		case '@':
			if !isIdentStart(s.Peek()) {
				return nil, &SyntaxError{Offset: off, Msg: "expected parameter name after @"}
			}
			s.Scan()
			toks = append(toks, token{kind: tokParam, text: s.TokenText(), offset: off})
		case '-':
			if next := s.Peek(); next < '0' || next > '9' {
				return nil, &SyntaxError{Offset: off, Msg: "unexpected -"}
			}
			s.Scan()
			toks = append(toks, token{kind: tokNumber, text: "-" + s.TokenText(), offset: off})
		case '>', '<', '!', '=':
			op := string(r)
			if next := s.Peek(); next == '=' || (r == '<' && next == '>') {
				op += string(s.Next())
			}
			if op == "!" {
				return nil, &SyntaxError{Offset: off, Msg: "unexpected !"}
			}
			toks = append(toks, token{kind: tokPunct, text: op, offset: off})
		case '(', ')', '[', ']', ',', '.':
			toks = append(toks, token{kind: tokPunct, text: string(r), offset: off})
		default:
			return nil, &SyntaxError{Offset: off, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
}

func scanSingleQuoted(s *scanner.Scanner) (string, error) {
	var b strings.Builder
	for {
		r := s.Next()
		switch r {
		case scanner.EOF, '\n':
			return "", errors.New("unterminated string literal")
		case '\\':
			esc := s.Next()
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case '\\', '\'', '"':
				b.WriteRune(esc)
			default:
				return "", fmt.Errorf("invalid escape \\%c", esc)
			}
		case '\'':
			return b.String(), nil
		default:
			b.WriteRune(r)
		}
	}
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) punct(s string) bool {
	t := p.peek()
	if t.kind == tokPunct && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.punct(s) {
		t := p.peek()
		return p.errorf(t, "expected %q, found %q", s, t.text)
	}
	return nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Offset: t.offset, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Predicate{left}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return &Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Predicate{left}
	for p.keyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return &And{Terms: terms}, nil
}

func (p *parser) parseUnary() (Predicate, error) {
	switch {
	case p.keyword("NOT"):
		term, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Term: term}, nil
	case p.punct("("):
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return inner, nil
	case p.keyword("EXISTS"):
		if err := p.expect("("); err != nil {
			return nil, err
		}
		field, err := p.parseField()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return &Exists{Field: field}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseField() (string, error) {
	t := p.next()
	if t.kind != tokIdent {
		return "", p.errorf(t, "expected field name, found %q", t.text)
	}
	parts := []string{t.text}
	for p.punct(".") {
		t = p.next()
		if t.kind != tokIdent {
			return "", p.errorf(t, "expected field name after '.', found %q", t.text)
		}
		parts = append(parts, t.text)
	}
	return strings.Join(parts, "."), nil
}

func (p *parser) parseComparison() (Predicate, error) {
	field, err := p.parseField()
	if err != nil {
		return nil, err
	}

	opTok := p.next()
	var op Op
	switch {
	case opTok.kind == tokPunct:
		switch opTok.text {
		case "=", "==":
			op = OpEq
		case "!=", "<>":
			op = OpNe
		case ">":
			op = OpGt
		case ">=":
			op = OpGte
		case "<":
			op = OpLt
		case "<=":
			op = OpLte
		default:
			return nil, p.errorf(opTok, "expected operator, found %q", opTok.text)
		}
	case opTok.kind == tokIdent && strings.EqualFold(opTok.text, "IN"):
		op = OpIn
	case opTok.kind == tokIdent && strings.EqualFold(opTok.text, "CONTAINS"):
		op = OpContains
	case opTok.kind == tokIdent && strings.EqualFold(opTok.text, "PREFIX"):
		op = OpPrefix
	default:
		return nil, p.errorf(opTok, "expected operator, found %q", opTok.text)
	}

	var operand Operand
	if op == OpIn && p.punct("[") {
		var items []document.Value
		for !p.punct("]") {
			if len(items) > 0 {
				if err := p.expect(","); err != nil {
					return nil, err
				}
			}
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		operand = Operand{Value: document.Array(items...)}
	} else {
		operand, err = p.parseOperand()
		if err != nil {
			return nil, err
		}
	}
	return &Compare{Field: field, Op: op, Operand: operand}, nil
}

func (p *parser) parseOperand() (Operand, error) {
	if t := p.peek(); t.kind == tokParam {
		p.pos++
		return Operand{Param: t.text}, nil
	}
	v, err := p.parseLiteral()
	if err != nil {
		return Operand{}, err
	}
	return Operand{Value: v}, nil
}

func (p *parser) parseLiteral() (document.Value, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return document.String(t.text), nil
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 0, 64); err == nil {
			return document.Int(i), nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return document.Value{}, p.errorf(t, "invalid number %q", t.text)
		}
		return document.Float(f), nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return document.Bool(true), nil
		case "FALSE":
			return document.Bool(false), nil
		case "NULL":
			return document.Null(), nil
		}
	}
	return document.Value{}, p.errorf(t, "expected literal, found %q", t.text)
}
