package docudb

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/docudb/codec"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/hnsw"
	"github.com/hupe1980/docudb/internal/store"
	"github.com/hupe1980/docudb/partition"
	"github.com/hupe1980/docudb/query"
)

// Kind classifies errors returned by the public API.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindStorage
	KindCompression
	KindQuery
	KindVectorSearch
	KindPartitionUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindStorage:
		return "storage"
	case KindCompression:
		return "compression"
	case KindQuery:
		return "query"
	case KindVectorSearch:
		return "vector search"
	case KindPartitionUnavailable:
		return "partition unavailable"
	default:
		return "internal"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrStorage              = errors.New("storage error")
	ErrCompression          = errors.New("compression error")
	ErrQuery                = errors.New("query error")
	ErrVectorSearch         = errors.New("vector search error")
	ErrPartitionUnavailable = errors.New("partition unavailable")
	ErrInternal             = errors.New("internal error")

	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("database closed")
	// ErrCollectionExists is returned when creating a collection twice.
	ErrCollectionExists = errors.New("collection already exists")
	// ErrIndexExists is returned when creating a vector index twice.
	ErrIndexExists = errors.New("vector index already exists")
	// ErrNoIndex is returned for vector searches on unindexed fields.
	ErrNoIndex = errors.New("no vector index on field")
	// ErrMissingPartitionKey is returned when a document lacks a partition key field.
	ErrMissingPartitionKey = errors.New("missing partition key field")
	// ErrPartitionKeyMismatch is returned when an explicit partition key
	// contradicts the document's key fields.
	ErrPartitionKeyMismatch = errors.New("partition key does not match key fields")
	// ErrImmutableField is returned by updates of the id or partition key fields.
	ErrImmutableField = errors.New("field cannot be updated")
)

var kindSentinels = map[Kind]error{
	KindValidation:           ErrValidation,
	KindNotFound:             ErrNotFound,
	KindStorage:              ErrStorage,
	KindCompression:          ErrCompression,
	KindQuery:                ErrQuery,
	KindVectorSearch:         ErrVectorSearch,
	KindPartitionUnavailable: ErrPartitionUnavailable,
	KindInternal:             ErrInternal,
}

// Error is the error type returned by DB and Collection operations.
type Error struct {
	Kind       Kind
	Op         string
	Collection string
	Partition  *partition.ID
	Key        string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Collection != "" {
		msg += " " + e.Collection
	}
	if e.Partition != nil {
		msg += fmt.Sprintf(" partition %d", *e.Partition)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// translateError maps package errors onto the public taxonomy.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(classify(err), op, err)
}

func classify(err error) Kind {
	var (
		tooLarge *document.ErrDocumentTooLarge
		dimMis   *hnsw.ErrDimensionMismatch
		dimInv   *hnsw.ErrInvalidDimension
	)
	switch {
	case errors.As(err, &tooLarge),
		errors.Is(err, document.ErrEmptyFieldName),
		errors.Is(err, document.ErrReservedField),
		errors.Is(err, document.ErrPartitionKeyTooDeep),
		errors.Is(err, document.ErrInvalidComponent),
		errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, ErrMissingPartitionKey),
		errors.Is(err, ErrPartitionKeyMismatch),
		errors.Is(err, ErrImmutableField),
		errors.Is(err, ErrCollectionExists),
		errors.Is(err, ErrIndexExists),
		errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, codec.ErrCorruptedData), errors.Is(err, codec.ErrInvalidLevel):
		return KindCompression
	case errors.Is(err, store.ErrStorage), errors.Is(err, store.ErrClosed),
		errors.Is(err, ErrClosed), errors.Is(err, partition.ErrNotFound):
		return KindStorage
	case errors.Is(err, query.ErrSyntax),
		errors.Is(err, query.ErrEmptyQuery),
		errors.Is(err, query.ErrUnboundParam),
		errors.Is(err, query.ErrInvalidPredicate),
		errors.Is(err, query.ErrInvalidPlan),
		errors.Is(err, query.ErrInvalidToken):
		return KindQuery
	case errors.As(err, &dimMis), errors.As(err, &dimInv),
		errors.Is(err, hnsw.ErrEmptyVector),
		errors.Is(err, hnsw.ErrInvalidVector),
		errors.Is(err, hnsw.ErrInvalidK),
		errors.Is(err, ErrNoIndex):
		return KindVectorSearch
	case errors.Is(err, query.ErrPartitionsUnavailable),
		errors.Is(err, query.ErrStalePartition),
		errors.Is(err, partition.ErrPartitionNotFound),
		errors.Is(err, partition.ErrCannotSplit),
		errors.Is(err, context.DeadlineExceeded):
		return KindPartitionUnavailable
	default:
		return KindInternal
	}
}
