package hnsw

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyKey      = errors.New("key cannot be empty")
	ErrEmptyVector   = errors.New("vector cannot be empty")
	ErrInvalidVector = errors.New("vector contains NaN or Inf")
	ErrInvalidK      = errors.New("k must be positive")
)

type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SearchResult is a single neighbor, ordered ascending by Distance.
type SearchResult struct {
	Key      string
	ID       uint32
	Distance float32
}

type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections float64
}

type Stats struct {
	Dimension      int
	Metric         string
	M              int
	M0             int
	EfConstruction int
	Nodes          int
	Live           int
	Deleted        int
	MaxLevel       int
	Version        uint64
	Levels         []LevelStats
}
