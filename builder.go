package docudb

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/docudb/cache"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/query"
)

// Query creates a query builder from a predicate expression such as
// "level > @min_level AND region = 'eu'".
//
// Example:
//
//	res, err := coll.Query("level > @min_level").
//	    Param("min_level", 40).
//	    OrderBy("level", false).
//	    Limit(20).
//	    Execute(ctx)
func (c *Collection) Query(expr string) *QueryBuilder {
	qb := &QueryBuilder{c: c}
	qb.pred, qb.err = query.Parse(expr)
	return qb
}

// Where creates a query builder from a predicate tree.
func (c *Collection) Where(p query.Predicate) *QueryBuilder {
	return &QueryBuilder{c: c, pred: p}
}

// Find creates a query builder matching every document.
func (c *Collection) Find() *QueryBuilder {
	return &QueryBuilder{c: c, pred: query.All{}}
}

// QueryBuilder is a fluent builder for predicate queries.
type QueryBuilder struct {
	c      *Collection
	pred   query.Predicate
	params map[string]document.Value
	order  *query.Order
	limit  int
	token  string
	err    error
}

// Param binds a named parameter referenced as @name.
func (qb *QueryBuilder) Param(name string, value any) *QueryBuilder {
	qb.params, qb.err = bindParam(qb.params, qb.err, name, value)
	return qb
}

// OrderBy sorts results by field. Documents without the field sort first.
func (qb *QueryBuilder) OrderBy(field string, desc bool) *QueryBuilder {
	qb.order = &query.Order{Field: field, Desc: desc}
	return qb
}

// Limit caps the page size. Zero means no limit.
func (qb *QueryBuilder) Limit(n int) *QueryBuilder {
	qb.limit = n
	return qb
}

// After resumes from a continuation token of a previous page.
func (qb *QueryBuilder) After(token string) *QueryBuilder {
	qb.token = token
	return qb
}

// Execute runs the query. Results come from the query cache when the same
// query ran before and no touched partition changed since.
func (qb *QueryBuilder) Execute(ctx context.Context) (*QueryResult, error) {
	c := qb.c
	start := time.Now()

	res, err := qb.execute(ctx)
	latency := time.Since(start)
	if err != nil {
		c.metrics.RecordQuery(0, 0, latency, err)
		c.logger.LogQuery(ctx, 0, 0, 0, false, latency, err)
		return nil, c.wrap("query", err)
	}
	if !res.FromCache {
		c.metrics.RecordQuery(len(res.Partitions), res.FailedPartitions, latency, nil)
	}
	c.logger.LogQuery(ctx, len(res.Partitions), res.FailedPartitions, len(res.Hits), res.FromCache, latency, nil)
	return newQueryResult(res), nil
}

func (qb *QueryBuilder) execute(ctx context.Context) (*query.Result, error) {
	if err := qb.c.checkOpen(); err != nil {
		return nil, err
	}
	if qb.err != nil {
		return nil, qb.err
	}
	pred, err := bindPredicate(qb.pred, qb.params)
	if err != nil {
		return nil, err
	}
	return qb.c.run(ctx, &query.Plan{
		Predicate: pred,
		OrderBy:   qb.order,
		Limit:     qb.limit,
		Token:     qb.token,
	})
}

// run executes plan through the query cache.
func (c *Collection) run(ctx context.Context, plan *query.Plan) (*query.Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	key := cache.Key(c.name, plan)
	if res, ok := c.queries.Get(key); ok {
		c.metrics.RecordCache(true)
		return res, nil
	}
	c.metrics.RecordCache(false)

	ticket := c.queries.Ticket()
	res, err := c.exec.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}
	c.queries.Put(key, ticket, res)
	return res, nil
}

// scan returns every document matching pred, bypassing the cache.
// Partial results are an error: callers modify what they find.
func (c *Collection) scan(ctx context.Context, pred query.Predicate) ([]*document.Document, error) {
	res, err := c.exec.Execute(ctx, &query.Plan{Predicate: pred})
	if err != nil {
		return nil, err
	}
	if res.Partial {
		return nil, &Error{
			Kind:       KindPartitionUnavailable,
			Op:         "scan",
			Collection: c.name,
			Err:        fmt.Errorf("%w: %d of %d partitions failed: %w", ErrPartitionUnavailable, res.FailedPartitions, len(res.Partitions), res.Failures),
		}
	}
	return res.Documents(), nil
}

func bindParam(params map[string]document.Value, prev error, name string, value any) (map[string]document.Value, error) {
	if prev != nil {
		return params, prev
	}
	v, err := document.FromAny(value)
	if err != nil {
		return params, fmt.Errorf("%w: parameter @%s: %w", query.ErrInvalidPredicate, name, err)
	}
	if params == nil {
		params = make(map[string]document.Value)
	}
	params[query.Param(name).Param] = v
	return params, nil
}

func bindPredicate(p query.Predicate, params map[string]document.Value) (query.Predicate, error) {
	if p == nil {
		return query.All{}, nil
	}
	bound, err := query.Bind(p, params)
	if err != nil {
		return nil, err
	}
	if err := query.Validate(bound); err != nil {
		return nil, err
	}
	return bound, nil
}

// Update creates a fluent update of the documents matching its conditions.
//
// Example:
//
//	n, err := coll.Update().
//	    Set("status", "archived").
//	    WhereEq("region", "eu").
//	    Execute(ctx)
func (c *Collection) Update() *UpdateBuilder {
	return &UpdateBuilder{c: c}
}

// UpdateBuilder is a fluent builder for updates.
type UpdateBuilder struct {
	c     *Collection
	sets  []fieldValue
	conds []query.Predicate
	err   error
}

type fieldValue struct {
	field string
	value document.Value
}

// Set assigns value to field in every matching document. Dotted fields
// descend into maps.
func (ub *UpdateBuilder) Set(field string, value any) *UpdateBuilder {
	v, err := document.FromAny(value)
	if err != nil && ub.err == nil {
		ub.err = fmt.Errorf("%w: field %s: %w", ErrValidation, field, err)
	}
	ub.sets = append(ub.sets, fieldValue{field: field, value: v})
	return ub
}

// WhereEq restricts the update to documents whose field equals value.
func (ub *UpdateBuilder) WhereEq(field string, value any) *UpdateBuilder {
	ub.conds = append(ub.conds, query.Eq(field, query.Lit(value)))
	return ub
}

// Where restricts the update to documents matching p.
func (ub *UpdateBuilder) Where(p query.Predicate) *UpdateBuilder {
	ub.conds = append(ub.conds, p)
	return ub
}

// Execute applies the update and returns the number of updated documents.
// The ID and the partition key fields cannot be updated.
func (ub *UpdateBuilder) Execute(ctx context.Context) (int, error) {
	c := ub.c
	start := time.Now()

	n, err := ub.execute(ctx)
	c.metrics.RecordUpdate(n, time.Since(start), err)
	c.logger.LogUpdate(ctx, n, err)
	if err != nil {
		return n, c.wrap("update", err)
	}
	return n, nil
}

func (ub *UpdateBuilder) execute(ctx context.Context) (int, error) {
	c := ub.c
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if ub.err != nil {
		return 0, ub.err
	}
	if len(ub.sets) == 0 {
		return 0, fmt.Errorf("%w: update without Set", ErrValidation)
	}
	keyFields := c.partitionKeyFields()
	for _, s := range ub.sets {
		if s.field == "" {
			return 0, document.ErrEmptyFieldName
		}
		if isKeyField(s.field, keyFields) {
			return 0, fmt.Errorf("%w: %s", ErrImmutableField, s.field)
		}
	}

	pred, err := conditions(ub.conds)
	if err != nil {
		return 0, err
	}
	docs, err := c.scan(ctx, pred)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	preps := make([]*prepared, len(docs))
	for i, doc := range docs {
		for _, s := range ub.sets {
			doc.Set(s.field, s.value.Clone())
		}
		p, err := c.prepare(doc)
		if err != nil {
			return 0, fmt.Errorf("document %q: %w", doc.ID, err)
		}
		preps[i] = p
	}
	if err := c.apply(ctx, preps); err != nil {
		return 0, err
	}
	return len(preps), nil
}

// Delete creates a fluent delete of the documents matching its conditions.
func (c *Collection) Delete() *DeleteBuilder {
	return &DeleteBuilder{c: c}
}

// DeleteBuilder is a fluent builder for deletes.
type DeleteBuilder struct {
	c     *Collection
	conds []query.Predicate
}

// WhereEq restricts the delete to documents whose field equals value.
func (b *DeleteBuilder) WhereEq(field string, value any) *DeleteBuilder {
	b.conds = append(b.conds, query.Eq(field, query.Lit(value)))
	return b
}

// Where restricts the delete to documents matching p.
func (b *DeleteBuilder) Where(p query.Predicate) *DeleteBuilder {
	b.conds = append(b.conds, p)
	return b
}

// Execute deletes the matching documents and returns their number. A delete
// without conditions removes every document of the collection.
func (b *DeleteBuilder) Execute(ctx context.Context) (int, error) {
	c := b.c
	start := time.Now()

	n, err := b.execute(ctx)
	c.metrics.RecordDelete(n, time.Since(start), err)
	c.logger.LogDelete(ctx, n, err)
	if err != nil {
		return n, c.wrap("delete", err)
	}
	return n, nil
}

func (b *DeleteBuilder) execute(ctx context.Context) (int, error) {
	c := b.c
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	pred, err := conditions(b.conds)
	if err != nil {
		return 0, err
	}
	docs, err := c.scan(ctx, pred)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if err := c.remove(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func conditions(conds []query.Predicate) (query.Predicate, error) {
	var pred query.Predicate = query.All{}
	switch len(conds) {
	case 0:
	case 1:
		pred = conds[0]
	default:
		pred = query.AllOf(conds...)
	}
	if err := query.Validate(pred); err != nil {
		return nil, err
	}
	return pred, nil
}
