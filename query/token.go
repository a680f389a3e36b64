package query

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/partition"
)

// ErrInvalidToken is returned for malformed or mismatched continuation tokens.
var ErrInvalidToken = errors.New("invalid continuation token")

// Cursor is the decoded position of a continuation token.
type Cursor struct {
	SortKey      any          `msgpack:"s,omitempty"`
	Distance     float32      `msgpack:"d,omitempty"`
	PartitionID  partition.ID `msgpack:"p"`
	DocID        string       `msgpack:"i"`
	TableVersion uint64       `msgpack:"v"`
	Shape        uint64       `msgpack:"q"`
}

// EncodeToken serializes c as an opaque URL-safe string.
func EncodeToken(c Cursor) (string, error) {
	data, err := msgpack.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("encode continuation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken.
func DecodeToken(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var c Cursor
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.DocID == "" {
		return Cursor{}, fmt.Errorf("%w: missing document id", ErrInvalidToken)
	}
	return c, nil
}

func shapeHash(p *Plan) uint64 { return xxhash.Sum64String(p.Shape()) }

func (c Cursor) sortValue() document.Value {
	v, err := document.FromAny(c.SortKey)
	if err != nil {
		return document.Null()
	}
	return v
}
