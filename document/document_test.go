package document

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	return &Document{
		ID:           "user-1",
		PartitionKey: Key(StringComponent("acme"), NumberComponent(7), BoolComponent(true)),
		Fields: Fields{
			"name":   String("Ada"),
			"level":  Int(42),
			"score":  Float(0.75),
			"active": Bool(true),
			"avatar": Bytes([]byte{0x00, 0x01, 0xFF}),
			"tags":   Array(String("a"), String("b")),
			"address": Map(map[string]Value{
				"city": String("Berlin"),
				"zip":  Int(10115),
			}),
			"deleted_at": Null(),
		},
	}
}

func TestDocumentBinaryRoundTrip(t *testing.T) {
	doc := sampleDocument()

	data, err := doc.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, doc.ID, decoded.ID)
	assert.True(t, doc.PartitionKey.Equal(decoded.PartitionKey))
	require.Len(t, decoded.Fields, len(doc.Fields))
	for k, v := range doc.Fields {
		assert.True(t, Equal(v, decoded.Fields[k]), "field %s", k)
	}
}

func TestDocumentEncodingIsCanonical(t *testing.T) {
	a := sampleDocument()
	b := sampleDocument()

	ea, err := a.MarshalBinary()
	require.NoError(t, err)
	eb, err := b.MarshalBinary()
	require.NoError(t, err)

	assert.True(t, bytes.Equal(ea, eb))
	assert.Equal(t, len(ea), a.Size())
}

func TestDocumentValidate(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		doc := New("big", Fields{"blob": Bytes(make([]byte, 5<<20))})
		err := doc.Validate()

		var tooLarge *ErrDocumentTooLarge
		require.True(t, errors.As(err, &tooLarge))
		assert.Equal(t, MaxDocumentSize, tooLarge.Limit)
		assert.Greater(t, tooLarge.Size, MaxDocumentSize)
	})

	t.Run("empty field name", func(t *testing.T) {
		doc := New("x", Fields{"": Int(1)})
		assert.ErrorIs(t, doc.Validate(), ErrEmptyFieldName)
	})

	t.Run("reserved field", func(t *testing.T) {
		doc := New("x", Fields{IDField: String("y")})
		assert.ErrorIs(t, doc.Validate(), ErrReservedField)
	})

	t.Run("key too deep", func(t *testing.T) {
		doc := New("x", nil)
		for i := 0; i < MaxPartitionKeyDepth+1; i++ {
			doc.PartitionKey.Components = append(doc.PartitionKey.Components, NumberComponent(float64(i)))
		}
		assert.ErrorIs(t, doc.Validate(), ErrPartitionKeyTooDeep)
	})

	t.Run("ok", func(t *testing.T) {
		assert.NoError(t, sampleDocument().Validate())
	})
}

func TestDocumentGetSet(t *testing.T) {
	doc := sampleDocument()

	v, ok := doc.Get("address.city")
	require.True(t, ok)
	assert.Equal(t, "Berlin", v.StringValue())

	v, ok = doc.Get(IDField)
	require.True(t, ok)
	assert.Equal(t, "user-1", v.StringValue())

	_, ok = doc.Get("address.country")
	assert.False(t, ok)

	doc.Set("meta.source.system", String("import"))
	v, ok = doc.Get("meta.source.system")
	require.True(t, ok)
	assert.Equal(t, "import", v.StringValue())
}

func TestDocumentClone(t *testing.T) {
	doc := sampleDocument()
	clone := doc.Clone()

	clone.Fields["tags"].A[0] = String("mutated")
	clone.Fields["address"].M["city"] = String("Paris")

	tags, _ := doc.Fields["tags"].AsArray()
	assert.Equal(t, "a", tags[0].StringValue())
	city, _ := doc.Get("address.city")
	assert.Equal(t, "Berlin", city.StringValue())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	data, err := sampleDocument().MarshalBinary()
	require.NoError(t, err)

	for _, n := range []int{0, 1, 5, len(data) / 2, len(data) - 1} {
		_, err := Decode(data[:n])
		assert.Error(t, err, "prefix %d", n)
	}

	_, err = Decode(append(data, 0x00))
	assert.Error(t, err)
}

func TestCompareTotalOrder(t *testing.T) {
	ordered := []Value{
		Null(),
		Bool(false),
		Bool(true),
		Int(-3),
		Float(-2.5),
		Int(0),
		Float(0.5),
		Int(10),
		String("a"),
		String("b"),
		Bytes([]byte("a")),
		Array(Int(1)),
		Array(Int(1), Int(2)),
		Map(map[string]Value{"a": Int(1)}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, Compare(ordered[i], ordered[i+1]), "%s < %s", ordered[i].Key(), ordered[i+1].Key())
		assert.Equal(t, 1, Compare(ordered[i+1], ordered[i]))
	}
	assert.True(t, Equal(Int(3), Float(3)))
}

func TestFromAny(t *testing.T) {
	fields, err := FieldsFromMap(map[string]any{
		"n":      nil,
		"b":      true,
		"i":      7,
		"f":      1.5,
		"s":      "x",
		"arr":    []any{1, "two"},
		"nested": map[string]any{"k": int64(3)},
		"vec":    []float32{0.5, 1},
	})
	require.NoError(t, err)

	assert.Equal(t, KindNull, fields["n"].Kind)
	assert.Equal(t, KindBool, fields["b"].Kind)
	assert.Equal(t, int64(7), fields["i"].I64)
	assert.Equal(t, KindArray, fields["arr"].Kind)
	assert.Equal(t, KindMap, fields["nested"].Kind)

	vec, ok := fields["vec"].AsVector()
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 1}, vec)

	_, err = FromAny(uint64(math.MaxUint64))
	assert.Error(t, err)

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestPartitionKeyEncodingPreservesOrder(t *testing.T) {
	keys := []PartitionKey{
		Key(BoolComponent(false)),
		Key(BoolComponent(true)),
		Key(NumberComponent(-100)),
		Key(NumberComponent(-1.5)),
		Key(NumberComponent(0)),
		Key(NumberComponent(2)),
		Key(NumberComponent(1e9)),
		Key(StringComponent("")),
		Key(StringComponent("a")),
		Key(StringComponent("a"), StringComponent("x")),
		Key(StringComponent("a\x00b")),
		Key(StringComponent("ab")),
		Key(StringComponent("b")),
	}
	for i := 0; i < len(keys)-1; i++ {
		a, b := keys[i].Encode(), keys[i+1].Encode()
		assert.Equal(t, -1, bytes.Compare(a, b), "%s < %s", keys[i], keys[i+1])
	}

	for _, k := range keys {
		decoded, err := DecodePartitionKey(k.Encode())
		require.NoError(t, err)
		assert.True(t, k.Equal(decoded), "%s", k)
	}
}

func TestPartitionKeyPrefix(t *testing.T) {
	full := Key(StringComponent("acme"), StringComponent("eu"), NumberComponent(3))
	prefix := Key(StringComponent("acme"), StringComponent("eu"))
	other := Key(StringComponent("acme"), StringComponent("us"))

	assert.True(t, prefix.IsPrefixOf(full))
	assert.True(t, full.IsPrefixOf(full))
	assert.False(t, other.IsPrefixOf(full))
	assert.False(t, full.IsPrefixOf(prefix))

	assert.True(t, bytes.HasPrefix(full.Encode(), prefix.Encode()))
	assert.True(t, strings.HasPrefix(full.String(), "(\"acme\""))
}

func TestComponentFromValue(t *testing.T) {
	c, err := ComponentFromValue(Int(5))
	require.NoError(t, err)
	assert.Equal(t, ComponentNumber, c.Kind)
	assert.Equal(t, int64(5), c.Value().I64)

	_, err = ComponentFromValue(Float(math.NaN()))
	assert.ErrorIs(t, err, ErrInvalidComponent)

	_, err = ComponentFromValue(Array())
	assert.ErrorIs(t, err, ErrInvalidComponent)
}
