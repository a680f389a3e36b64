package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxPartitionKeyDepth is the maximum number of components of a hierarchical key.
const MaxPartitionKeyDepth = 5

var (
	// ErrPartitionKeyTooDeep is returned when a key has more than MaxPartitionKeyDepth components.
	ErrPartitionKeyTooDeep = errors.New("partition key exceeds maximum depth")
	// ErrInvalidComponent is returned for components that cannot be routed (NaN, unset).
	ErrInvalidComponent = errors.New("invalid partition key component")
)

// ComponentKind identifies the type of a partition key component.
type ComponentKind uint8

const (
	ComponentInvalid ComponentKind = iota
	ComponentBool
	ComponentNumber
	ComponentString
)

// Component is one level of a hierarchical partition key (tenant, region, ...).
type Component struct {
	Kind ComponentKind
	Str  string
	Num  float64
	Bool bool
}

// StringComponent returns a string key component.
func StringComponent(s string) Component { return Component{Kind: ComponentString, Str: s} }

// NumberComponent returns a numeric key component.
func NumberComponent(f float64) Component { return Component{Kind: ComponentNumber, Num: f} }

// BoolComponent returns a boolean key component.
func BoolComponent(b bool) Component { return Component{Kind: ComponentBool, Bool: b} }

// ComponentFromValue converts a field value into a key component.
func ComponentFromValue(v Value) (Component, error) {
	switch v.Kind {
	case KindString:
		return StringComponent(v.s), nil
	case KindInt:
		return NumberComponent(float64(v.I64)), nil
	case KindFloat:
		if math.IsNaN(v.F64) {
			return Component{}, fmt.Errorf("%w: NaN", ErrInvalidComponent)
		}
		return NumberComponent(v.F64), nil
	case KindBool:
		return BoolComponent(v.B), nil
	default:
		return Component{}, fmt.Errorf("%w: %s value", ErrInvalidComponent, v.Kind)
	}
}

// Value converts the component back into a field value.
func (c Component) Value() Value {
	switch c.Kind {
	case ComponentString:
		return String(c.Str)
	case ComponentNumber:
		if c.Num == math.Trunc(c.Num) && math.Abs(c.Num) < 1<<53 {
			return Int(int64(c.Num))
		}
		return Float(c.Num)
	case ComponentBool:
		return Bool(c.Bool)
	default:
		return Null()
	}
}

// Equal reports whether two components are identical.
func (c Component) Equal(o Component) bool {
	if c.Kind != o.Kind {
		return false
	}
	switch c.Kind {
	case ComponentString:
		return c.Str == o.Str
	case ComponentNumber:
		return c.Num == o.Num
	case ComponentBool:
		return c.Bool == o.Bool
	default:
		return true
	}
}

func (c Component) String() string {
	switch c.Kind {
	case ComponentString:
		return strconv.Quote(c.Str)
	case ComponentNumber:
		return strconv.FormatFloat(c.Num, 'g', -1, 64)
	case ComponentBool:
		return strconv.FormatBool(c.Bool)
	default:
		return "<invalid>"
	}
}

// PartitionKey is an ordered tuple of components.
type PartitionKey struct {
	Components []Component
}

// Key builds a partition key from components.
func Key(components ...Component) PartitionKey {
	return PartitionKey{Components: components}
}

// Len returns the number of components.
func (k PartitionKey) Len() int { return len(k.Components) }

// IsEmpty reports whether the key has no components.
func (k PartitionKey) IsEmpty() bool { return len(k.Components) == 0 }

// Validate checks depth and component validity.
func (k PartitionKey) Validate() error {
	if len(k.Components) > MaxPartitionKeyDepth {
		return fmt.Errorf("%w: %d > %d", ErrPartitionKeyTooDeep, len(k.Components), MaxPartitionKeyDepth)
	}
	for i, c := range k.Components {
		if c.Kind == ComponentInvalid {
			return fmt.Errorf("%w at level %d", ErrInvalidComponent, i)
		}
		if c.Kind == ComponentNumber && math.IsNaN(c.Num) {
			return fmt.Errorf("%w at level %d: NaN", ErrInvalidComponent, i)
		}
	}
	return nil
}

// IsPrefixOf reports whether k is a (non-strict) prefix of other.
func (k PartitionKey) IsPrefixOf(other PartitionKey) bool {
	if len(k.Components) > len(other.Components) {
		return false
	}
	for i := range k.Components {
		if !k.Components[i].Equal(other.Components[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether both keys have identical components.
func (k PartitionKey) Equal(other PartitionKey) bool {
	return len(k.Components) == len(other.Components) && k.IsPrefixOf(other)
}

// Prefix returns the first n components.
func (k PartitionKey) Prefix(n int) PartitionKey {
	if n >= len(k.Components) {
		return k
	}
	return PartitionKey{Components: k.Components[:n]}
}

func (k PartitionKey) String() string {
	parts := make([]string, len(k.Components))
	for i, c := range k.Components {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

const (
	tagBool   = 0x01
	tagNumber = 0x02
	tagString = 0x03

	escByte  = 0x00
	escZero  = 0xFF
	escFinal = 0x01
)

// Encode returns the order-preserving encoding of k.
//
// Strings are escaped so that 0x00 never appears unescaped and terminated with
// 0x00 0x01. Numbers are stored as big-endian float bits with the sign flipped
// (all bits for negatives), which sorts like the numeric value.
func (k PartitionKey) Encode() []byte {
	buf := make([]byte, 0, 16*len(k.Components))
	for _, c := range k.Components {
		buf = c.appendEncoded(buf)
	}
	return buf
}

func (c Component) appendEncoded(buf []byte) []byte {
	switch c.Kind {
	case ComponentBool:
		buf = append(buf, tagBool)
		if c.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)
	case ComponentNumber:
		buf = append(buf, tagNumber)
		f := c.Num
		if f == 0 {
			f = 0 // fold -0
		}
		bits := math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(buf, bits)
	case ComponentString:
		buf = append(buf, tagString)
		for i := 0; i < len(c.Str); i++ {
			b := c.Str[i]
			if b == escByte {
				buf = append(buf, escByte, escZero)
				continue
			}
			buf = append(buf, b)
		}
		return append(buf, escByte, escFinal)
	default:
		return buf
	}
}

// DecodePartitionKey reverses Encode.
func DecodePartitionKey(data []byte) (PartitionKey, error) {
	var k PartitionKey
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]
		switch tag {
		case tagBool:
			if len(data) < 1 {
				return k, errors.New("short buffer for bool component")
			}
			k.Components = append(k.Components, BoolComponent(data[0] != 0))
			data = data[1:]
		case tagNumber:
			if len(data) < 8 {
				return k, errors.New("short buffer for number component")
			}
			bits := binary.BigEndian.Uint64(data)
			if bits&(1<<63) != 0 {
				bits &^= 1 << 63
			} else {
				bits = ^bits
			}
			k.Components = append(k.Components, NumberComponent(math.Float64frombits(bits)))
			data = data[8:]
		case tagString:
			var sb strings.Builder
			terminated := false
			for len(data) > 0 {
				b := data[0]
				if b != escByte {
					sb.WriteByte(b)
					data = data[1:]
					continue
				}
				if len(data) < 2 {
					return k, errors.New("truncated string component")
				}
				if data[1] == escFinal {
					data = data[2:]
					terminated = true
					break
				}
				sb.WriteByte(0)
				data = data[2:]
			}
			if !terminated {
				return k, errors.New("unterminated string component")
			}
			k.Components = append(k.Components, StringComponent(sb.String()))
		default:
			return k, fmt.Errorf("unknown component tag 0x%02x", tag)
		}
	}
	return k, nil
}
