package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/internal/resource"
	"github.com/hupe1980/docudb/partition"
)

var (
	// ErrStalePartition is returned by a Source when a partition was split
	// away between routing and reading. The executor re-routes and retries.
	ErrStalePartition = errors.New("stale partition")
	// ErrPartitionsUnavailable is returned when every target partition failed.
	ErrPartitionsUnavailable = errors.New("all target partitions unavailable")
)

// Hit is one matching document.
type Hit struct {
	Doc         *document.Document
	PartitionID partition.ID
	// Distance is set for vector queries.
	Distance float32
}

// Source gives the executor access to the partitions of one collection.
type Source interface {
	// PartitionKeyFields names the document fields forming the partition key.
	PartitionKeyFields() []string
	// Targets returns the routing-table version and the partitions that may
	// hold documents with the given (possibly partial) key.
	Targets(key document.PartitionKey, full bool) (uint64, []partition.ID)
	// Scan calls fn for every document of a partition until fn returns false.
	Scan(ctx context.Context, pid partition.ID, fn func(doc *document.Document) bool) error
	// Search returns up to k nearest documents of a partition's vector index.
	Search(ctx context.Context, pid partition.ID, field string, vec []float32, k, ef int) ([]Hit, error)
}

// Options configures an Executor.
type Options struct {
	// PartitionTimeout bounds each partition sub-request.
	PartitionTimeout time.Duration
	// QueryTimeout bounds the whole query.
	QueryTimeout time.Duration
	// MaxParallel bounds the sub-requests of a single query.
	MaxParallel int
	// Overfetch multiplies TopK for filtered vector queries.
	Overfetch int
	// StaleRetries is the number of re-routes after a concurrent split.
	StaleRetries int
	Logger       *slog.Logger
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		PartitionTimeout: 5 * time.Second,
		QueryTimeout:     30 * time.Second,
		MaxParallel:      16,
		Overfetch:        4,
		StaleRetries:     3,
	}
}

// Result is the outcome of a query.
type Result struct {
	Hits []Hit
	// TotalCount is the number of matches across the partitions that
	// answered, before pagination.
	TotalCount        int
	ContinuationToken string
	Partial           bool
	FailedPartitions  int
	// Partitions lists the partitions the query was sent to.
	Partitions   []partition.ID
	Failures     error
	FromCache    bool
	Latency      time.Duration
	TableVersion uint64
}

// Documents returns the documents of the hits in result order.
func (r *Result) Documents() []*document.Document {
	docs := make([]*document.Document, len(r.Hits))
	for i, h := range r.Hits {
		docs[i] = h.Doc
	}
	return docs
}

// Executor runs plans against a Source.
type Executor struct {
	src  Source
	res  *resource.Controller
	opts Options
}

// NewExecutor creates an executor. res may be nil.
func NewExecutor(src Source, res *resource.Controller, optFns ...func(o *Options)) *Executor {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 16
	}
	if opts.Overfetch <= 0 {
		opts.Overfetch = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{src: src, res: res, opts: opts}
}

// PartitionError records why one partition dropped out of a query.
type PartitionError struct {
	PartitionID partition.ID
	Err         error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %d: %v", e.PartitionID, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

type candidate struct {
	hit     Hit
	sortKey document.Value
}

type partitionResult struct {
	pid        partition.ID
	candidates []candidate
	matched    int
	err        error
}

// Execute runs the plan. Partitions that fail or time out are left out and
// flagged in the result; only cancellation of ctx, an invalid plan or the
// failure of every partition returns an error.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	start := time.Now()
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	var cursor *Cursor
	if plan.Token != "" {
		c, err := DecodeToken(plan.Token)
		if err != nil {
			return nil, err
		}
		if c.Shape != shapeHash(plan) {
			return nil, fmt.Errorf("%w: token belongs to a different query", ErrInvalidToken)
		}
		cursor = &c
	}

	qctx := ctx
	if e.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.opts.QueryTimeout)
		defer cancel()
	}

	key, full := PinnedKey(plan.Predicate, e.src.PartitionKeyFields())

	var (
		version  uint64
		targets  []partition.ID
		results  []partitionResult
		failures []*PartitionError
	)
	for attempt := 0; ; attempt++ {
		version, targets = e.src.Targets(key, full)
		results = e.gather(qctx, plan, targets)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stale := false
		for _, r := range results {
			if errors.Is(r.err, ErrStalePartition) {
				stale = true
				break
			}
		}
		if !stale || attempt >= e.opts.StaleRetries {
			break
		}
		e.opts.Logger.Debug("query re-routing after concurrent split", "attempt", attempt+1)
	}

	res := &Result{
		Partitions:   targets,
		TableVersion: version,
	}

	var (
		all    []candidate
		merr   *multierror.Error
		failed int
	)
	for _, r := range results {
		if r.err != nil {
			failed++
			pe := &PartitionError{PartitionID: r.pid, Err: r.err}
			failures = append(failures, pe)
			merr = multierror.Append(merr, pe)
			continue
		}
		res.TotalCount += r.matched
		all = append(all, r.candidates...)
	}
	if failed > 0 {
		res.Partial = true
		res.FailedPartitions = failed
		res.Failures = merr.ErrorOrNil()
		for _, f := range failures {
			e.opts.Logger.Warn("partition dropped from query", "partition", uint64(f.PartitionID), "error", f.Err)
		}
		if failed == len(targets) {
			return nil, fmt.Errorf("%w: %w", ErrPartitionsUnavailable, res.Failures)
		}
	}

	less := e.orderFunc(plan)
	slices.SortFunc(all, less)

	if plan.Vector != nil && len(all) > plan.Vector.TopK {
		all = all[:plan.Vector.TopK]
		res.TotalCount = min(res.TotalCount, plan.Vector.TopK)
	}
	if cursor != nil {
		all = skipThrough(all, cursor, plan, version, less)
	}

	limit := plan.Limit
	if limit > 0 && len(all) > limit {
		last := all[limit-1]
		token, err := EncodeToken(e.cursorFor(plan, last, version))
		if err != nil {
			return nil, err
		}
		res.ContinuationToken = token
		all = all[:limit]
	}

	res.Hits = make([]Hit, len(all))
	for i, c := range all {
		res.Hits[i] = c.hit
	}
	res.Latency = time.Since(start)
	return res, nil
}

func (e *Executor) gather(ctx context.Context, plan *Plan, targets []partition.ID) []partitionResult {
	results := make([]partitionResult, len(targets))

	var g errgroup.Group
	g.SetLimit(e.opts.MaxParallel)

	for i, pid := range targets {
		g.Go(func() error {
			results[i] = e.runPartition(ctx, plan, pid)
			// Failures are per partition and never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) runPartition(ctx context.Context, plan *Plan, pid partition.ID) partitionResult {
	r := partitionResult{pid: pid}

	if err := e.res.AcquirePartition(ctx); err != nil {
		r.err = err
		return r
	}
	defer e.res.ReleasePartition()

	pctx := ctx
	if e.opts.PartitionTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, e.opts.PartitionTimeout)
		defer cancel()
	}

	if v := plan.Vector; v != nil {
		r.candidates, r.err = e.searchPartition(pctx, plan, v, pid)
		r.matched = len(r.candidates)
	} else {
		r.candidates, r.matched, r.err = e.scanPartition(pctx, plan, pid)
	}
	if r.err == nil {
		r.err = pctx.Err()
	}
	if r.err != nil {
		r.candidates = nil
		r.matched = 0
	}
	return r
}

func (e *Executor) scanPartition(ctx context.Context, plan *Plan, pid partition.ID) ([]candidate, int, error) {
	var (
		out     []candidate
		matched int
	)
	err := e.src.Scan(ctx, pid, func(doc *document.Document) bool {
		if ctx.Err() != nil {
			return false
		}
		if !Matches(plan.Predicate, doc) {
			return true
		}
		matched++
		c := candidate{hit: Hit{Doc: doc, PartitionID: pid}}
		if plan.OrderBy != nil {
			c.sortKey = sortValue(doc, plan.OrderBy.Field)
		}
		out = append(out, c)
		return true
	})
	return out, matched, err
}

func (e *Executor) searchPartition(ctx context.Context, plan *Plan, v *VectorQuery, pid partition.ID) ([]candidate, error) {
	k := v.TopK
	if !isMatchAll(plan.Predicate) {
		k *= e.opts.Overfetch
	}
	ef := v.Ef
	if ef > 0 && ef < k {
		ef = k
	}

	hits, err := e.src.Search(ctx, pid, v.Field, v.Vector, k, ef)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if h.Doc == nil || !Matches(plan.Predicate, h.Doc) {
			continue
		}
		h.PartitionID = pid
		out = append(out, candidate{hit: h})
	}
	return out, nil
}

func isMatchAll(p Predicate) bool {
	switch p.(type) {
	case nil, All, *All:
		return true
	}
	return false
}

func sortValue(doc *document.Document, field string) document.Value {
	if v, ok := doc.Get(field); ok {
		return v
	}
	return document.Null()
}

// orderFunc orders by distance or sort field, then document id, then
// partition id.
func (e *Executor) orderFunc(plan *Plan) func(a, b candidate) int {
	return func(a, b candidate) int {
		switch {
		case plan.Vector != nil:
			if c := cmp.Compare(a.hit.Distance, b.hit.Distance); c != 0 {
				return c
			}
		case plan.OrderBy != nil:
			c := document.Compare(a.sortKey, b.sortKey)
			if plan.OrderBy.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		if c := cmp.Compare(a.hit.Doc.ID, b.hit.Doc.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.hit.PartitionID, b.hit.PartitionID)
	}
}

func (e *Executor) cursorFor(plan *Plan, last candidate, version uint64) Cursor {
	c := Cursor{
		Distance:     last.hit.Distance,
		PartitionID:  last.hit.PartitionID,
		DocID:        last.hit.Doc.ID,
		TableVersion: version,
		Shape:        shapeHash(plan),
	}
	if plan.OrderBy != nil {
		c.SortKey = last.sortKey.ToAny()
	}
	return c
}

// skipThrough drops every candidate at or before the cursor. After a split
// the partition ids of the previous page are meaningless, so the position
// is then compared without them.
func skipThrough(sorted []candidate, cur *Cursor, plan *Plan, version uint64, less func(a, b candidate) int) []candidate {
	pos := candidate{
		hit: Hit{
			Doc:         &document.Document{ID: cur.DocID},
			PartitionID: cur.PartitionID,
			Distance:    cur.Distance,
		},
		sortKey: cur.sortValue(),
	}
	ignorePID := cur.TableVersion != version

	i, _ := slices.BinarySearchFunc(sorted, pos, func(c, target candidate) int {
		r := less(c, target)
		if r == 0 || (ignorePID && c.hit.Doc.ID == target.hit.Doc.ID && sameRank(plan, c, target)) {
			return -1
		}
		return r
	})
	return sorted[i:]
}

func sameRank(plan *Plan, a, b candidate) bool {
	switch {
	case plan.Vector != nil:
		return a.hit.Distance == b.hit.Distance
	case plan.OrderBy != nil:
		return document.Equal(a.sortKey, b.sortKey)
	}
	return true
}
