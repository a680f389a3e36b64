package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/docudb/document"
)

// Migrator moves documents during a split. The Router calls SplitPoint
// (range tables only), then Migrate. If Migrate or persisting the new table
// fails, Rollback is called and the previous table stays published. After
// the new table is published, Cleanup removes the parent's documents.
type Migrator interface {
	SplitPoint(ctx context.Context, parent Descriptor) ([]byte, error)
	Migrate(ctx context.Context, parent Descriptor, next *Table, children [2]Descriptor) error
	Rollback(ctx context.Context, parent Descriptor, children [2]Descriptor) error
	Cleanup(ctx context.Context, parent Descriptor) error
}

// SplitResult describes a published split.
type SplitResult struct {
	Parent   Descriptor
	Children [2]Descriptor
	Table    *Table
}

// Router owns the current routing table.
type Router struct {
	current atomic.Pointer[Table]
	splitMu sync.Mutex
	store   *TableStore
	logger  *slog.Logger
}

// NewRouter loads the latest table from store, or saves initial when the
// store is empty. A nil store keeps tables in memory only.
func NewRouter(ctx context.Context, store *TableStore, initial *Table, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{store: store, logger: logger}

	table := initial
	if store != nil {
		loaded, err := store.Load(ctx)
		switch {
		case err == nil:
			if initial != nil && loaded.Strategy != initial.Strategy {
				return nil, fmt.Errorf("%w: stored strategy %v, configured %v", ErrInvalidTable, loaded.Strategy, initial.Strategy)
			}
			table = loaded
		case errors.Is(err, ErrNotFound):
			if initial == nil {
				return nil, err
			}
			if err := store.Save(ctx, initial); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	if table == nil {
		return nil, fmt.Errorf("%w: no initial table", ErrInvalidTable)
	}
	table.reindex()
	if err := table.Validate(); err != nil {
		return nil, err
	}

	r.current.Store(table)
	return r, nil
}

// Table returns the current snapshot.
func (r *Router) Table() *Table {
	return r.current.Load()
}

// Route routes key on the current snapshot.
func (r *Router) Route(key document.PartitionKey) Descriptor {
	return r.current.Load().Route(key)
}

// Targets returns the target partitions on the current snapshot.
func (r *Router) Targets(key document.PartitionKey, full bool) []Descriptor {
	return r.current.Load().Targets(key, full)
}

// Split divides partition id into two children. Splits are serialized; the
// new table is published only after the migrator has filled both children
// and the table has been persisted.
func (r *Router) Split(ctx context.Context, id ID, m Migrator) (*SplitResult, error) {
	r.splitMu.Lock()
	defer r.splitMu.Unlock()

	cur := r.current.Load()
	parent, ok := cur.Partition(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPartitionNotFound, id)
	}

	var point []byte
	if cur.Strategy == Range {
		p, err := m.SplitPoint(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("choose split point for %v: %w", parent, err)
		}
		point = p
	}

	next, children, err := cur.split(id, point)
	if err != nil {
		return nil, err
	}

	if err := m.Migrate(ctx, parent, next, children); err != nil {
		return nil, r.rollback(ctx, m, parent, children, fmt.Errorf("migrate %v: %w", parent, err))
	}
	if r.store != nil {
		if err := r.store.Save(ctx, next); err != nil {
			return nil, r.rollback(ctx, m, parent, children, fmt.Errorf("persist table version %d: %w", next.Version, err))
		}
	}

	r.current.Store(next)
	r.logger.Info("partition split",
		"parent", uint64(parent.ID),
		"children", []uint64{uint64(children[0].ID), uint64(children[1].ID)},
		"version", next.Version)

	if err := m.Cleanup(ctx, parent); err != nil {
		// The parent is unreachable in the new table; leftovers are removed
		// on the next open.
		r.logger.Warn("partition cleanup failed", "partition", uint64(parent.ID), "error", err)
	}

	return &SplitResult{Parent: parent, Children: children, Table: next}, nil
}

func (r *Router) rollback(ctx context.Context, m Migrator, parent Descriptor, children [2]Descriptor, cause error) error {
	// Rollback must run even if ctx was the reason the split failed.
	if err := m.Rollback(context.WithoutCancel(ctx), parent, children); err != nil {
		r.logger.Error("split rollback failed", "partition", uint64(parent.ID), "error", err)
		return multierror.Append(cause, fmt.Errorf("rollback: %w", err))
	}
	r.logger.Warn("split rolled back", "partition", uint64(parent.ID), "error", cause)
	return cause
}
