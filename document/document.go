package document

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxDocumentSize is the hard cap on the encoded size of a document (4 MiB).
	MaxDocumentSize = 4 << 20

	// IDField is the reserved field name that resolves to the document ID.
	IDField = "_id"
)

var (
	// ErrEmptyFieldName is returned for documents with an empty field name.
	ErrEmptyFieldName = errors.New("empty field name")
	// ErrReservedField is returned when a document sets the reserved _id field.
	ErrReservedField = errors.New("reserved field name")
)

// ErrDocumentTooLarge is returned when a document exceeds MaxDocumentSize.
type ErrDocumentTooLarge struct {
	ID    string
	Size  int
	Limit int
}

func (e *ErrDocumentTooLarge) Error() string {
	return fmt.Sprintf("document %q is %d bytes, exceeds limit of %d bytes", e.ID, e.Size, e.Limit)
}

// Fields is the mapping of field names to values.
type Fields map[string]Value

// Document is the unit of storage.
type Document struct {
	ID           string
	PartitionKey PartitionKey
	Fields       Fields
}

// New creates a document with the given ID and fields.
func New(id string, fields Fields) *Document {
	if fields == nil {
		fields = make(Fields)
	}
	return &Document{ID: id, Fields: fields}
}

// Get returns the value of a field. Dotted paths descend into maps, and
// IDField returns the document ID.
func (d *Document) Get(field string) (Value, bool) {
	if field == IDField {
		return String(d.ID), true
	}
	if v, ok := d.Fields[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return Value{}, false
	}

	parts := strings.Split(field, ".")
	v, ok := d.Fields[parts[0]]
	if !ok {
		return Value{}, false
	}
	for _, p := range parts[1:] {
		if v.Kind != KindMap {
			return Value{}, false
		}
		v, ok = v.M[p]
		if !ok {
			return Value{}, false
		}
	}
	return v, true
}

// Set assigns a top-level field or a dotted path into nested maps, creating
// intermediate maps as needed.
func (d *Document) Set(field string, v Value) {
	if d.Fields == nil {
		d.Fields = make(Fields)
	}
	parts := strings.Split(field, ".")
	if len(parts) == 1 {
		d.Fields[field] = v
		return
	}

	cur := d.Fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next.Kind != KindMap || next.M == nil {
			next = Map(make(map[string]Value))
			cur[p] = next
		}
		cur = next.M
	}
	cur[parts[len(parts)-1]] = v
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	fields := make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v.Clone()
	}
	comps := make([]Component, len(d.PartitionKey.Components))
	copy(comps, d.PartitionKey.Components)
	return &Document{ID: d.ID, PartitionKey: PartitionKey{Components: comps}, Fields: fields}
}

// Size returns the length of the canonical encoding in bytes.
func (d *Document) Size() int {
	b, err := d.MarshalBinary()
	if err != nil {
		return 0
	}
	return len(b)
}

// Validate checks field names, the partition key and the size limit.
func (d *Document) Validate() error {
	_, err := d.Encode()
	return err
}

// Encode validates the document and returns its canonical encoding.
func (d *Document) Encode() ([]byte, error) {
	for name := range d.Fields {
		if name == "" {
			return nil, ErrEmptyFieldName
		}
		if name == IDField {
			return nil, fmt.Errorf("%w: %s", ErrReservedField, name)
		}
	}
	if err := d.PartitionKey.Validate(); err != nil {
		return nil, err
	}

	b, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(b) > MaxDocumentSize {
		return nil, &ErrDocumentTooLarge{ID: d.ID, Size: len(b), Limit: MaxDocumentSize}
	}
	return b, nil
}
