package query

import (
	"bytes"
	"strings"

	"github.com/hupe1980/docudb/document"
)

// Match evaluates the comparison. A missing field never matches, and
// ordering comparisons only match values of the same kind (numbers compare
// across Int and Float).
func (c *Compare) Match(doc *document.Document) bool {
	if c.Operand.IsParam() {
		return false
	}
	v, ok := doc.Get(c.Field)
	if !ok {
		return false
	}
	want := c.Operand.Value

	switch c.Op {
	case OpEq:
		return document.Equal(v, want)
	case OpNe:
		return !document.Equal(v, want)
	case OpGt, OpGte, OpLt, OpLte:
		if !sameClass(v, want) {
			return false
		}
		cmp := document.Compare(v, want)
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		items, ok := want.AsArray()
		if !ok {
			return false
		}
		for _, item := range items {
			if document.Equal(v, item) {
				return true
			}
		}
		return false
	case OpContains:
		if items, ok := v.AsArray(); ok {
			for _, item := range items {
				if document.Equal(item, want) {
					return true
				}
			}
			return false
		}
		if s, ok := v.AsString(); ok {
			sub, ok := want.AsString()
			return ok && strings.Contains(s, sub)
		}
		if b, ok := v.AsBytes(); ok {
			sub, ok := want.AsBytes()
			return ok && bytes.Contains(b, sub)
		}
		return false
	case OpPrefix:
		s, ok := v.AsString()
		p, ok2 := want.AsString()
		return ok && ok2 && strings.HasPrefix(s, p)
	default:
		return false
	}
}

func sameClass(a, b document.Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return true
	}
	return a.Kind == b.Kind
}

func (a *And) Match(doc *document.Document) bool {
	for _, t := range a.Terms {
		if !t.Match(doc) {
			return false
		}
	}
	return true
}

func (o *Or) Match(doc *document.Document) bool {
	for _, t := range o.Terms {
		if t.Match(doc) {
			return true
		}
	}
	return false
}

func (n *Not) Match(doc *document.Document) bool { return !n.Term.Match(doc) }

func (e *Exists) Match(doc *document.Document) bool {
	_, ok := doc.Get(e.Field)
	return ok
}

func (All) Match(*document.Document) bool { return true }

// Matches evaluates p against doc; a nil predicate matches everything.
func Matches(p Predicate, doc *document.Document) bool {
	return p == nil || p.Match(doc)
}
