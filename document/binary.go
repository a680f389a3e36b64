package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// encodingVersion is the first byte of every encoded document.
const encodingVersion = 1

// maxContainerLen bounds decoded array/map lengths against corrupt input.
const maxContainerLen = MaxDocumentSize

var errShortBuffer = errors.New("short buffer")

// MarshalBinary implements encoding.BinaryMarshaler.
//
// Format: [version][uvarint len][id][uvarint n][components...][fields map]
// Field maps are written with sorted keys so the encoding is canonical.
func (d *Document) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64+len(d.ID)+len(d.Fields)*16)
	buf = append(buf, encodingVersion)
	buf = binary.AppendUvarint(buf, uint64(len(d.ID)))
	buf = append(buf, d.ID...)

	buf = binary.AppendUvarint(buf, uint64(len(d.PartitionKey.Components)))
	for _, c := range d.PartitionKey.Components {
		buf = appendComponent(buf, c)
	}

	var err error
	buf, err = appendMap(buf, d.Fields)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *Document) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errShortBuffer
	}
	if data[0] != encodingVersion {
		return fmt.Errorf("unsupported document encoding version %d", data[0])
	}
	data = data[1:]

	id, data, err := parseString(data)
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	d.ID = id

	n, read := binary.Uvarint(data)
	if read <= 0 || n > MaxPartitionKeyDepth {
		return errors.New("invalid partition key length")
	}
	data = data[read:]
	d.PartitionKey.Components = nil
	for range n {
		var c Component
		c, data, err = parseComponent(data)
		if err != nil {
			return err
		}
		d.PartitionKey.Components = append(d.PartitionKey.Components, c)
	}

	fields, rest, err := parseMap(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%d trailing bytes after document", len(rest))
	}
	d.Fields = fields
	return nil
}

// Decode parses an encoded document.
func Decode(data []byte) (*Document, error) {
	d := &Document{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return d, nil
}

func appendComponent(buf []byte, c Component) []byte {
	buf = append(buf, byte(c.Kind))
	switch c.Kind {
	case ComponentString:
		buf = binary.AppendUvarint(buf, uint64(len(c.Str)))
		buf = append(buf, c.Str...)
	case ComponentNumber:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Num))
	case ComponentBool:
		if c.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func parseComponent(data []byte) (Component, []byte, error) {
	if len(data) == 0 {
		return Component{}, nil, errShortBuffer
	}
	kind := ComponentKind(data[0])
	data = data[1:]
	switch kind {
	case ComponentString:
		s, rest, err := parseString(data)
		if err != nil {
			return Component{}, nil, err
		}
		return StringComponent(s), rest, nil
	case ComponentNumber:
		if len(data) < 8 {
			return Component{}, nil, errShortBuffer
		}
		return NumberComponent(math.Float64frombits(binary.LittleEndian.Uint64(data))), data[8:], nil
	case ComponentBool:
		if len(data) < 1 {
			return Component{}, nil, errShortBuffer
		}
		return BoolComponent(data[0] != 0), data[1:], nil
	default:
		return Component{}, nil, fmt.Errorf("unknown component kind %d", kind)
	}
}

func appendMap(buf []byte, m map[string]Value) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(len(m)))
	for _, k := range sortedKeys(m) {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		var err error
		buf, err = appendValue(buf, m[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	return buf, nil
}

func parseMap(data []byte) (map[string]Value, []byte, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count > maxContainerLen {
		return nil, nil, errors.New("invalid map length")
	}
	data = data[n:]

	m := make(map[string]Value, min(count, 1024))
	for range count {
		key, rest, err := parseString(data)
		if err != nil {
			return nil, nil, fmt.Errorf("map key: %w", err)
		}
		val, rest, err := parseValue(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", key, err)
		}
		m[key] = val
		data = rest
	}
	return m, data, nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	buf = append(buf, byte(v.Kind))

	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindInt:
		buf = binary.AppendVarint(buf, v.I64)
	case KindFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
	case KindString:
		buf = binary.AppendUvarint(buf, uint64(len(v.s)))
		buf = append(buf, v.s...)
	case KindBytes:
		buf = binary.AppendUvarint(buf, uint64(len(v.raw)))
		buf = append(buf, v.raw...)
	case KindArray:
		buf = binary.AppendUvarint(buf, uint64(len(v.A)))
		for _, item := range v.A {
			var err error
			buf, err = appendValue(buf, item)
			if err != nil {
				return nil, err
			}
		}
	case KindMap:
		return appendMap(buf, v.M)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return buf, nil
}

func parseValue(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return Value{}, nil, errShortBuffer
	}
	v := Value{Kind: Kind(data[0])}
	data = data[1:]

	switch v.Kind {
	case KindNull:
	case KindBool:
		if len(data) == 0 {
			return v, nil, errShortBuffer
		}
		v.B = data[0] != 0
		data = data[1:]
	case KindInt:
		i, n := binary.Varint(data)
		if n <= 0 {
			return v, nil, errors.New("invalid int value")
		}
		v.I64 = i
		data = data[n:]
	case KindFloat:
		if len(data) < 8 {
			return v, nil, errShortBuffer
		}
		v.F64 = math.Float64frombits(binary.LittleEndian.Uint64(data))
		data = data[8:]
	case KindString:
		s, rest, err := parseString(data)
		if err != nil {
			return v, nil, err
		}
		v.s = s
		data = rest
	case KindBytes:
		l, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < l {
			return v, nil, errShortBuffer
		}
		data = data[n:]
		v.raw = make([]byte, l)
		copy(v.raw, data[:l])
		data = data[l:]
	case KindArray:
		l, n := binary.Uvarint(data)
		if n <= 0 || l > maxContainerLen {
			return v, nil, errors.New("invalid array length")
		}
		data = data[n:]
		v.A = make([]Value, 0, min(l, 1024))
		for range l {
			item, rest, err := parseValue(data)
			if err != nil {
				return v, nil, err
			}
			v.A = append(v.A, item)
			data = rest
		}
	case KindMap:
		m, rest, err := parseMap(data)
		if err != nil {
			return v, nil, err
		}
		v.M = m
		data = rest
	default:
		return v, nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return v, data, nil
}

func parseString(data []byte) (string, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < l {
		return "", nil, errShortBuffer
	}
	data = data[n:]
	return string(data[:l]), data[l:], nil
}
