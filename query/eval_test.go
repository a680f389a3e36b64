package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/docudb/document"
)

func sampleDoc() *document.Document {
	return document.New("doc-1", document.Fields{
		"level":  document.Int(42),
		"score":  document.Float(0.75),
		"name":   document.String("alice"),
		"active": document.Bool(true),
		"tags":   document.Array(document.String("a"), document.String("beta")),
		"meta":   document.Map(map[string]document.Value{"region": document.String("eu")}),
	})
}

func TestCompareMatch(t *testing.T) {
	doc := sampleDoc()

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"eq int", Eq("level", Lit(42)), true},
		{"eq int float", Eq("level", Lit(42.0)), true},
		{"ne", Ne("level", Lit(41)), true},
		{"gt", Gt("level", Lit(40)), true},
		{"gt equal", Gt("level", Lit(42)), false},
		{"gte", Gte("level", Lit(42)), true},
		{"lt float", Lt("score", Lit(1)), true},
		{"lte", Lte("score", Lit(0.75)), true},
		{"string order", Gt("name", Lit("aaron")), true},
		{"cross kind order", Gt("name", Lit(1)), false},
		{"missing field", Eq("missing", Lit(1)), false},
		{"missing field ne", Ne("missing", Lit(1)), false},
		{"in", &Compare{Field: "name", Op: OpIn, Operand: Lit([]any{"bob", "alice"})}, true},
		{"not in", &Compare{Field: "name", Op: OpIn, Operand: Lit([]any{"bob"})}, false},
		{"contains array", &Compare{Field: "tags", Op: OpContains, Operand: Lit("beta")}, true},
		{"contains string", &Compare{Field: "name", Op: OpContains, Operand: Lit("lic")}, true},
		{"prefix", &Compare{Field: "name", Op: OpPrefix, Operand: Lit("al")}, true},
		{"prefix miss", &Compare{Field: "name", Op: OpPrefix, Operand: Lit("bo")}, false},
		{"nested", Eq("meta.region", Lit("eu")), true},
		{"id", Eq("_id", Lit("doc-1")), true},
		{"bool", Eq("active", Lit(true)), true},
		{"unbound param", Eq("level", Param("x")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Match(doc))
		})
	}
}

func TestLogicalMatch(t *testing.T) {
	doc := sampleDoc()

	assert.True(t, AllOf(Eq("level", Lit(42)), Eq("name", Lit("alice"))).Match(doc))
	assert.False(t, AllOf(Eq("level", Lit(42)), Eq("name", Lit("bob"))).Match(doc))
	assert.True(t, AnyOf(Eq("level", Lit(1)), Eq("name", Lit("alice"))).Match(doc))
	assert.False(t, AnyOf().Match(doc))
	assert.True(t, AllOf().Match(doc))
	assert.True(t, (&Not{Term: Eq("level", Lit(1))}).Match(doc))
	assert.True(t, (&Exists{Field: "meta.region"}).Match(doc))
	assert.False(t, (&Exists{Field: "meta.city"}).Match(doc))
	assert.True(t, All{}.Match(doc))
	assert.True(t, Matches(nil, doc))
}

func TestBind(t *testing.T) {
	pred := AllOf(Gt("level", Param("@min")), &Not{Term: Eq("name", Param("name"))})
	assert.Equal(t, []string{"min", "name"}, Params(pred))

	_, err := Bind(pred, map[string]document.Value{"min": document.Int(40)})
	require.ErrorIs(t, err, ErrUnboundParam)

	bound, err := Bind(pred, map[string]document.Value{
		"min":  document.Int(40),
		"name": document.String("bob"),
	})
	require.NoError(t, err)
	require.NoError(t, Validate(bound))
	assert.Empty(t, Params(bound))
	assert.True(t, bound.Match(sampleDoc()))

	// The original tree is untouched.
	assert.ErrorIs(t, Validate(pred), ErrUnboundParam)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.ErrorIs(t, Validate(Eq("", Lit(1))), ErrInvalidPredicate)
	assert.ErrorIs(t, Validate(&Compare{Field: "a", Op: OpIn, Operand: Lit(1)}), ErrInvalidPredicate)
	assert.ErrorIs(t, Validate(&Compare{Field: "a", Op: OpPrefix, Operand: Lit(1)}), ErrInvalidPredicate)
	assert.ErrorIs(t, Validate(AnyOf()), ErrInvalidPredicate)
	assert.ErrorIs(t, Validate(&Not{}), ErrInvalidPredicate)
	assert.ErrorIs(t, Validate(AllOf(Eq("a", Lit(1)), nil)), ErrInvalidPredicate)
}

func TestCanonicalStringIsOrderIndependent(t *testing.T) {
	a := AllOf(Eq("a", Lit(1)), Gt("b", Lit("x")))
	b := AllOf(Gt("b", Lit("x")), Eq("a", Lit(1)))
	assert.Equal(t, a.String(), b.String())
	assert.NotEqual(t, a.String(), AnyOf(Eq("a", Lit(1)), Gt("b", Lit("x"))).String())
	assert.NotEqual(t, Eq("a", Lit(1)).String(), Eq("a", Lit("1")).String())
}
