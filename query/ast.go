package query

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/docudb/document"
)

var (
	// ErrUnboundParam is returned when a parameter has no value.
	ErrUnboundParam = errors.New("unbound query parameter")
	// ErrInvalidPredicate is returned for structurally invalid predicates.
	ErrInvalidPredicate = errors.New("invalid predicate")
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpContains
	OpPrefix
)

var opNames = [...]string{"=", "!=", ">", ">=", "<", "<=", "IN", "CONTAINS", "PREFIX"}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Operand is a literal value or a reference to a named parameter.
type Operand struct {
	Value document.Value
	Param string
}

// Lit returns a literal operand. Go values are converted with document.FromAny.
func Lit(v any) Operand {
	val, err := document.FromAny(v)
	if err != nil {
		// Unsupported literals never match anything.
		return Operand{Value: document.Value{}}
	}
	return Operand{Value: val}
}

// Param returns a parameter operand.
func Param(name string) Operand {
	return Operand{Param: strings.TrimPrefix(name, "@")}
}

// IsParam reports whether o references a parameter.
func (o Operand) IsParam() bool { return o.Param != "" }

func (o Operand) String() string {
	if o.IsParam() {
		return "@" + o.Param
	}
	return o.Value.Key()
}

// Predicate is a node of a predicate tree.
type Predicate interface {
	// Match evaluates the predicate against doc. Unbound parameters never match.
	Match(doc *document.Document) bool
	// String returns the canonical form used for cache signatures.
	String() string
}

// Compare compares a field with an operand.
type Compare struct {
	Field   string
	Op      Op
	Operand Operand
}

// And matches when every term matches. An empty And matches everything.
type And struct{ Terms []Predicate }

// Or matches when any term matches.
type Or struct{ Terms []Predicate }

// Not negates a predicate.
type Not struct{ Term Predicate }

// Exists matches documents that have the field.
type Exists struct{ Field string }

// All matches every document.
type All struct{}

func Eq(field string, v Operand) *Compare  { return &Compare{Field: field, Op: OpEq, Operand: v} }
func Ne(field string, v Operand) *Compare  { return &Compare{Field: field, Op: OpNe, Operand: v} }
func Gt(field string, v Operand) *Compare  { return &Compare{Field: field, Op: OpGt, Operand: v} }
func Gte(field string, v Operand) *Compare { return &Compare{Field: field, Op: OpGte, Operand: v} }
func Lt(field string, v Operand) *Compare  { return &Compare{Field: field, Op: OpLt, Operand: v} }
func Lte(field string, v Operand) *Compare { return &Compare{Field: field, Op: OpLte, Operand: v} }

// AllOf returns the conjunction of terms.
func AllOf(terms ...Predicate) *And { return &And{Terms: terms} }

// AnyOf returns the disjunction of terms.
func AnyOf(terms ...Predicate) *Or { return &Or{Terms: terms} }

func (c *Compare) String() string {
	return strconv.Quote(c.Field) + " " + c.Op.String() + " " + c.Operand.String()
}

func (a *And) String() string { return joinTerms("AND", a.Terms) }
func (o *Or) String() string  { return joinTerms("OR", o.Terms) }
func (n *Not) String() string { return "NOT (" + n.Term.String() + ")" }
func (e *Exists) String() string {
	return "EXISTS(" + strconv.Quote(e.Field) + ")"
}
func (All) String() string { return "ALL" }

// joinTerms sorts the terms so that commutative reorderings share a form.
func joinTerms(op string, terms []Predicate) string {
	if len(terms) == 0 {
		return op + "()"
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = "(" + t.String() + ")"
	}
	sort.Strings(parts)
	return strings.Join(parts, " "+op+" ")
}

// Params returns the sorted, distinct parameter names referenced by p.
func Params(p Predicate) []string {
	seen := make(map[string]struct{})
	walk(p, func(c *Compare) {
		if c.Operand.IsParam() {
			seen[c.Operand.Param] = struct{}{}
		}
	})
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func walk(p Predicate, fn func(c *Compare)) {
	switch x := p.(type) {
	case *Compare:
		fn(x)
	case *And:
		for _, t := range x.Terms {
			walk(t, fn)
		}
	case *Or:
		for _, t := range x.Terms {
			walk(t, fn)
		}
	case *Not:
		walk(x.Term, fn)
	}
}

// Bind returns a copy of p with every parameter replaced by its value.
// A parameter missing from params yields ErrUnboundParam.
func Bind(p Predicate, params map[string]document.Value) (Predicate, error) {
	switch x := p.(type) {
	case nil:
		return nil, nil
	case *Compare:
		if !x.Operand.IsParam() {
			return x, nil
		}
		v, ok := params[x.Operand.Param]
		if !ok {
			return nil, fmt.Errorf("%w: @%s", ErrUnboundParam, x.Operand.Param)
		}
		return &Compare{Field: x.Field, Op: x.Op, Operand: Operand{Value: v}}, nil
	case *And:
		terms, err := bindAll(x.Terms, params)
		if err != nil {
			return nil, err
		}
		return &And{Terms: terms}, nil
	case *Or:
		terms, err := bindAll(x.Terms, params)
		if err != nil {
			return nil, err
		}
		return &Or{Terms: terms}, nil
	case *Not:
		t, err := Bind(x.Term, params)
		if err != nil {
			return nil, err
		}
		return &Not{Term: t}, nil
	default:
		return p, nil
	}
}

func bindAll(terms []Predicate, params map[string]document.Value) ([]Predicate, error) {
	out := make([]Predicate, len(terms))
	for i, t := range terms {
		b, err := Bind(t, params)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Validate checks that p is well formed and fully bound.
func Validate(p Predicate) error {
	switch x := p.(type) {
	case nil, All, *All:
		return nil
	case *Compare:
		if x.Field == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidPredicate)
		}
		if x.Op < OpEq || x.Op > OpPrefix {
			return fmt.Errorf("%w: unknown operator %v", ErrInvalidPredicate, x.Op)
		}
		if x.Operand.IsParam() {
			return fmt.Errorf("%w: @%s", ErrUnboundParam, x.Operand.Param)
		}
		if x.Op == OpIn && x.Operand.Value.Kind != document.KindArray {
			return fmt.Errorf("%w: IN needs an array operand", ErrInvalidPredicate)
		}
		if x.Op == OpPrefix && x.Operand.Value.Kind != document.KindString {
			return fmt.Errorf("%w: PREFIX needs a string operand", ErrInvalidPredicate)
		}
		return nil
	case *And:
		return validateAll(x.Terms)
	case *Or:
		if len(x.Terms) == 0 {
			return fmt.Errorf("%w: empty OR", ErrInvalidPredicate)
		}
		return validateAll(x.Terms)
	case *Not:
		if x.Term == nil {
			return fmt.Errorf("%w: empty NOT", ErrInvalidPredicate)
		}
		return Validate(x.Term)
	case *Exists:
		if x.Field == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidPredicate)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported node %T", ErrInvalidPredicate, p)
	}
}

func validateAll(terms []Predicate) error {
	for _, t := range terms {
		if t == nil {
			return fmt.Errorf("%w: nil term", ErrInvalidPredicate)
		}
		if err := Validate(t); err != nil {
			return err
		}
	}
	return nil
}
