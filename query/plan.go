package query

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hupe1980/docudb/document"
)

// ErrInvalidPlan is returned for plans that cannot be executed.
var ErrInvalidPlan = errors.New("invalid query plan")

// VectorQuery asks for the TopK nearest documents to Vector on Field.
type VectorQuery struct {
	Field  string
	Vector []float32
	TopK   int
	// Ef overrides the index search breadth; 0 uses the index default.
	Ef int
}

// Order sorts results by a document field.
type Order struct {
	Field string
	Desc  bool
}

// Plan is a bound query ready for execution.
type Plan struct {
	Predicate Predicate
	Vector    *VectorQuery
	OrderBy   *Order
	// Limit caps the page size; 0 means unlimited for scans and TopK for
	// vector queries.
	Limit int
	// Token resumes after the last document of a previous page.
	Token string
}

// Validate checks the plan for structural errors and unbound parameters.
func (p *Plan) Validate() error {
	if err := Validate(p.Predicate); err != nil {
		return err
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidPlan, p.Limit)
	}
	if p.OrderBy != nil && p.OrderBy.Field == "" {
		return fmt.Errorf("%w: empty order field", ErrInvalidPlan)
	}
	if v := p.Vector; v != nil {
		if v.Field == "" {
			return fmt.Errorf("%w: empty vector field", ErrInvalidPlan)
		}
		if len(v.Vector) == 0 {
			return fmt.Errorf("%w: empty query vector", ErrInvalidPlan)
		}
		if v.TopK <= 0 {
			return fmt.Errorf("%w: top k must be positive, got %d", ErrInvalidPlan, v.TopK)
		}
		if v.Ef < 0 {
			return fmt.Errorf("%w: negative ef %d", ErrInvalidPlan, v.Ef)
		}
		if p.OrderBy != nil {
			return fmt.Errorf("%w: vector queries are ordered by distance", ErrInvalidPlan)
		}
	}
	return nil
}

// Shape returns the canonical form of everything except the token. Pages of
// one query share a shape.
func (p *Plan) Shape() string {
	var b strings.Builder
	b.WriteString("where:")
	if p.Predicate == nil {
		b.WriteString(All{}.String())
	} else {
		b.WriteString(p.Predicate.String())
	}
	if v := p.Vector; v != nil {
		fmt.Fprintf(&b, "|vector:%q k=%d ef=%d [", v.Field, v.TopK, v.Ef)
		for i, f := range v.Vector {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatUint(uint64(math.Float32bits(f)), 16))
		}
		b.WriteByte(']')
	}
	if o := p.OrderBy; o != nil {
		fmt.Fprintf(&b, "|order:%q desc=%t", o.Field, o.Desc)
	}
	fmt.Fprintf(&b, "|limit:%d", p.Limit)
	return b.String()
}

// Signature returns the canonical form of the whole plan, token included.
func (p *Plan) Signature() string {
	return p.Shape() + "|token:" + p.Token
}

// PinnedKey extracts the partition key fixed by top-level equality
// conjuncts on fields. It returns the longest pinned leading prefix of the
// key and whether every key field is pinned.
func PinnedKey(pred Predicate, fields []string) (document.PartitionKey, bool) {
	if len(fields) == 0 {
		return document.PartitionKey{}, false
	}

	eq := make(map[string]document.Value)
	collect := func(t Predicate) {
		c, ok := t.(*Compare)
		if !ok || c.Op != OpEq || c.Operand.IsParam() {
			return
		}
		if _, dup := eq[c.Field]; dup {
			return
		}
		eq[c.Field] = c.Operand.Value
	}
	switch x := pred.(type) {
	case *Compare:
		collect(x)
	case *And:
		for _, t := range x.Terms {
			collect(t)
		}
	}

	var comps []document.Component
	for _, f := range fields {
		v, ok := eq[f]
		if !ok {
			break
		}
		c, err := document.ComponentFromValue(v)
		if err != nil {
			break
		}
		comps = append(comps, c)
	}
	key := document.Key(comps...)
	return key, len(comps) == len(fields)
}
