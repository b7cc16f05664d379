package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blockloop/scan/v2"
	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/querycache"
)

// Row is one result row of a query with more than one column.
type Row []any

// Query is a parameterised SQL query bound to a context. Results of reads
// are cached in the unit's query cache, keyed by SQL text, parameter values
// and first row, until a committed change touches one of the tables read.
type Query struct {
	c    *Context
	prog Program
	err  error

	positional []any
	named      map[string]any
	first      int
	max        int
	resultType string
	noCache    bool
}

// CreateQuery parses text. Placeholders are either positional, in the
// syntax of the store, or named template actions such as {{ .name }}.
func (c *Context) CreateQuery(ctx context.Context, text string) *Query {
	q := &Query{c: c}
	if err := c.checkOpen("query"); err != nil {
		q.err = err
		return q
	}
	prog, err := c.unit.Program(ctx, text)
	if err != nil {
		q.err = usageError("query", ErrInvalidQuery, map[string]any{"query": text, "error": err.Error()})
		return q
	}
	q.prog = prog
	return q
}

// SetParameter binds the positional parameter at index, counted from 1.
func (q *Query) SetParameter(index int, value any) *Query {
	if index < 1 {
		q.fail(fmt.Sprintf("parameter index %d out of range", index))
		return q
	}
	for len(q.positional) < index {
		q.positional = append(q.positional, nil)
	}
	q.positional[index-1] = value
	return q
}

// Bind replaces all positional parameters.
func (q *Query) Bind(args ...any) *Query {
	q.positional = append([]any(nil), args...)
	return q
}

// SetNamed binds a named template parameter.
func (q *Query) SetNamed(name string, value any) *Query {
	if q.named == nil {
		q.named = make(map[string]any)
	}
	q.named[name] = value
	return q
}

// SetFirstResult skips the first n rows.
func (q *Query) SetFirstResult(n int) *Query {
	if n < 0 {
		q.fail("negative first result")
		return q
	}
	q.first = n
	return q
}

// SetMaxResults limits the page to n rows. Zero means no limit.
func (q *Query) SetMaxResults(n int) *Query {
	if n < 0 {
		q.fail("negative max results")
		return q
	}
	q.max = n
	return q
}

// ResultType resolves every row to the managed entity of typeName whose key
// is the first column.
func (q *Query) ResultType(typeName string) *Query {
	q.resultType = typeName
	return q
}

// NoCache bypasses the query cache for this query.
func (q *Query) NoCache() *Query {
	q.noCache = true
	return q
}

func (q *Query) fail(reason string) {
	if q.err == nil {
		q.err = usageError("query", ErrInvalidQuery, map[string]any{"reason": reason})
	}
}

func (q *Query) compile(paged bool) (string, []any, error) {
	text, args, err := q.prog.Compile(q.named, q.positional)
	if err != nil {
		return "", nil, usageError("query", ErrInvalidQuery, map[string]any{"error": err.Error()})
	}
	if paged && q.max > 0 {
		text = fmt.Sprintf("%s LIMIT %d", text, q.max)
		if q.first > 0 {
			text = fmt.Sprintf("%s OFFSET %d", text, q.first)
		}
	}
	return text, args, nil
}

func (q *Query) prepareRead(ctx context.Context, op string) error {
	if q.err != nil {
		return q.err
	}
	if err := q.c.checkOpen(op); err != nil {
		return err
	}
	if q.prog.IsWrite() {
		return usageError(op, ErrInvalidQuery, map[string]any{"reason": "use ExecuteUpdate for writes"})
	}
	if q.c.inTransaction && q.c.flushMode == FlushAuto {
		return q.c.flush(ctx)
	}
	return nil
}

// List runs the query. Rows resolve to entities with ResultType, to the
// single value of one-column results, and to Row otherwise.
func (q *Query) List(ctx context.Context) ([]any, error) {
	if err := q.prepareRead(ctx, "list"); err != nil {
		return nil, err
	}

	chunk, err := q.chunk(ctx)
	if err != nil {
		return nil, err
	}

	rows := chunk.Rows()
	if q.max == 0 && q.first > 0 {
		if q.first >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.first:]
		}
	}

	if q.resultType != "" {
		return q.resolve(ctx, rows)
	}

	out := make([]any, len(rows))
	for i, r := range rows {
		if len(r) == 1 {
			out[i] = cloneValue(r[0])
			continue
		}
		row := make(Row, len(r))
		for j, v := range r {
			row[j] = cloneValue(v)
		}
		out[i] = row
	}
	return out, nil
}

// cloneValue copies byte slices so that rows shared through the query cache
// are never aliased by callers.
func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return bytes.Clone(b)
	}
	return v
}

// SingleResult runs the query and returns its only result.
func (q *Query) SingleResult(ctx context.Context) (any, error) {
	res, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	switch len(res) {
	case 0:
		return nil, usageError("single_result", ErrNoResult, nil)
	case 1:
		return res[0], nil
	}
	return nil, usageError("single_result", ErrNonUniqueResult, map[string]any{"rows": len(res)})
}

// ScanInto runs the query and scans every row into dst, a pointer to a
// struct or a slice, matching columns to `db` tags. It bypasses the query
// cache.
func (q *Query) ScanInto(ctx context.Context, dst any) error {
	if err := q.prepareRead(ctx, "scan"); err != nil {
		return err
	}
	text, args, err := q.compile(true)
	if err != nil {
		return err
	}
	stmt, err := q.c.prepare(ctx, text, false)
	if err != nil {
		return err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return q.c.storeFailure("query", err)
	}
	defer rows.Close()

	if err := scan.Rows(dst, rows); err != nil {
		return q.c.storeFailure("scan", err)
	}
	return nil
}

// ExecuteUpdate runs a write statement and returns the number of affected
// rows. Every table it names is invalidated when the write commits.
func (q *Query) ExecuteUpdate(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if err := q.c.checkOpen("execute_update"); err != nil {
		return 0, err
	}
	if q.c.inTransaction && q.c.flushMode == FlushAuto {
		if err := q.c.flush(ctx); err != nil {
			return 0, err
		}
	}

	text, args, err := q.compile(false)
	if err != nil {
		return 0, err
	}
	stmt, err := q.c.prepare(ctx, text, true)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, q.c.storeFailure("execute_update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, q.c.storeFailure("execute_update", err)
	}

	q.c.noteWrite(q.prog.Tables())
	return n, nil
}

func (q *Query) cacheable(ctx context.Context) bool {
	if q.noCache || !q.c.unit.cfg.QueryCacheEnabled || !queryCacheAllowed(ctx) {
		return false
	}
	for _, t := range q.prog.Tables() {
		if q.c.completions.Touches(t) {
			return false
		}
	}
	return true
}

func (q *Query) chunk(ctx context.Context) (*querycache.Chunk, error) {
	u := q.c.unit
	text, args, err := q.compile(true)
	if err != nil {
		return nil, err
	}

	key := querycache.NewKey(text, args, q.first)
	cacheable := q.cacheable(ctx)
	if cacheable {
		if chunk, ok := u.QueryChunk(key); ok {
			return chunk, nil
		}
	}

	names := q.prog.Tables()
	tables := make([]querycache.Table, len(names))
	versions := make([]uint64, len(names))
	var timeout time.Duration
	for i, name := range names {
		t := u.CreateTable(name)
		tables[i] = t
		versions[i] = t.Version()
		if d := t.CacheTimeout(); d > 0 && (timeout == 0 || d < timeout) {
			timeout = d
		}
	}

	stmt, err := q.c.prepare(ctx, text, false)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, q.c.storeFailure("query", err)
	}
	columns, data, err := readRows(rows)
	if err != nil {
		return nil, q.c.storeFailure("query", err)
	}

	chunk := querycache.NewChunk(key, columns, data, tables, versions,
		querycache.WithTimeout(timeout),
		querycache.WithClock(u.clock))

	if cacheable && (u.cfg.MaxChunkRows == 0 || len(data) <= u.cfg.MaxChunkRows) {
		u.PutQueryChunk(chunk)
	}
	return chunk, nil
}

func readRows(rows *sql.Rows) ([]string, [][]any, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var data [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		data = append(data, values)
	}
	return columns, data, rows.Err()
}

func (q *Query) resolve(ctx context.Context, rows [][]any) ([]any, error) {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		if len(r) == 0 {
			continue
		}
		e, found, err := q.c.Find(ctx, q.resultType, r[0])
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListAs runs q and converts the results to T, skipping results of another
// type.
func ListAs[T any](ctx context.Context, q *Query) ([]T, error) {
	res, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(res))
	for _, r := range res {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// FindAs is Context.Find returning the concrete entity type.
func FindAs[T entity.Entity](ctx context.Context, c *Context, typeName string, id any) (T, bool, error) {
	var zero T
	e, found, err := c.Find(ctx, typeName, id)
	if err != nil || !found {
		return zero, found, err
	}
	v, ok := e.(T)
	if !ok {
		return zero, false, usageError("find", ErrUnknownEntityType, map[string]any{"type": typeName, "want": fmt.Sprintf("%T", zero)})
	}
	return v, true, nil
}

// LoadAs is Context.Load returning the concrete entity type.
func LoadAs[T entity.Entity](ctx context.Context, c *Context, typeName string, id any) (T, error) {
	var zero T
	e, err := c.Load(ctx, typeName, id)
	if err != nil {
		return zero, err
	}
	v, ok := e.(T)
	if !ok {
		return zero, usageError("load", ErrUnknownEntityType, map[string]any{"type": typeName, "want": fmt.Sprintf("%T", zero)})
	}
	return v, nil
}
