package repositorycache

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/persistence"
)

// Criteria narrows a select. Where and OrderBy are SQL fragments using the
// positional placeholder syntax of the store.
type Criteria struct {
	Where   []string
	Args    []any
	OrderBy string
	Limit   int
	Offset  int
}

// SelectCriteria modifies Criteria.
type SelectCriteria func(*Criteria)

// Where adds a condition, joined to the others with AND.
func Where(cond string, args ...any) SelectCriteria {
	return func(c *Criteria) {
		c.Where = append(c.Where, cond)
		c.Args = append(c.Args, args...)
	}
}

// OrderBy sets the ORDER BY expression.
func OrderBy(expr string) SelectCriteria {
	return func(c *Criteria) {
		c.OrderBy = expr
	}
}

// Limit caps the number of records returned by List.
func Limit(n int) SelectCriteria {
	return func(c *Criteria) {
		c.Limit = n
	}
}

// Offset skips the first n records returned by List.
func Offset(n int) SelectCriteria {
	return func(c *Criteria) {
		c.Offset = n
	}
}

func buildCriteria(criteria []SelectCriteria) Criteria {
	var c Criteria
	for _, fn := range criteria {
		if fn != nil {
			fn(&c)
		}
	}
	return c
}

// Repository is a typed view of one entity type. Reads go through the
// unit's entity and query caches; writes are tracked by the persistence
// context bound to the request.
type Repository[T entity.Entity] struct {
	unit     *persistence.Unit
	typeName string
}

// Interface assertion to ensure Repository implements Reader and Writer.
var (
	_ Reader[entity.Entity] = (*Repository[entity.Entity])(nil)
	_ Writer[entity.Entity] = (*Repository[entity.Entity])(nil)
)

// Reader is the read side of a repository.
type Reader[T entity.Entity] interface {
	Get(ctx context.Context, criteria ...SelectCriteria) (T, error)
	GetByID(ctx context.Context, id any) (T, error)
	List(ctx context.Context, criteria ...SelectCriteria) ([]T, int, error)
	Count(ctx context.Context, criteria ...SelectCriteria) (int, error)
}

// Writer is the write side of a repository.
type Writer[T entity.Entity] interface {
	Create(ctx context.Context, record T) (T, error)
	Update(ctx context.Context, record T) (T, error)
	Delete(ctx context.Context, record T) error
}

// New returns the repository of the registered type typeName.
func New[T entity.Entity](unit *persistence.Unit, typeName string) *Repository[T] {
	return &Repository[T]{unit: unit, typeName: typeName}
}

// TypeName returns the entity type served by the repository.
func (r *Repository[T]) TypeName() string {
	return r.typeName
}

// run calls fn with the persistence context bound to ctx. Without one, fn
// gets a context of its own that is closed afterwards, so the records it
// returns are detached.
func (r *Repository[T]) run(ctx context.Context, fn func(pc *persistence.Context) error) error {
	if pc, ok := r.unit.FromContext(ctx); ok && !pc.Closed() {
		return fn(pc)
	}

	pc, err := r.unit.NewContext()
	if err != nil {
		return err
	}
	err = fn(pc)
	if cerr := pc.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func (r *Repository[T]) home() (*persistence.EntityHome, error) {
	return r.unit.EntityHome(r.typeName)
}

// GetByID loads the record with the given key. A missing row is reported
// as persistence.ErrObjectNotFound.
func (r *Repository[T]) GetByID(ctx context.Context, id any) (T, error) {
	var out T
	err := r.run(ctx, func(pc *persistence.Context) error {
		e, err := pc.Load(ctx, r.typeName, id)
		if err != nil {
			return err
		}
		return r.cast(e, &out)
	})
	return out, err
}

// Get returns the only record matching criteria.
func (r *Repository[T]) Get(ctx context.Context, criteria ...SelectCriteria) (T, error) {
	var zero T
	records, _, err := r.list(ctx, false, append(criteria[:len(criteria):len(criteria)], Limit(2))...)
	if err != nil {
		return zero, err
	}
	switch len(records) {
	case 0:
		return zero, fmt.Errorf("repositorycache: %s: %w", r.typeName, persistence.ErrObjectNotFound)
	case 1:
		return records[0], nil
	}
	return zero, fmt.Errorf("repositorycache: %s: %w", r.typeName, persistence.ErrNonUniqueResult)
}

// List returns the records matching criteria and the total number of
// matches ignoring Limit and Offset.
func (r *Repository[T]) List(ctx context.Context, criteria ...SelectCriteria) ([]T, int, error) {
	return r.list(ctx, true, criteria...)
}

func (r *Repository[T]) list(ctx context.Context, withTotal bool, criteria ...SelectCriteria) ([]T, int, error) {
	home, err := r.home()
	if err != nil {
		return nil, 0, err
	}
	crit := buildCriteria(criteria)

	var (
		records []T
		total   int
	)
	err = r.run(ctx, func(pc *persistence.Context) error {
		q := pc.CreateQuery(ctx, selectSQL(home.Type().Table, crit, home.Type().KeyColumn)).
			Bind(crit.Args...).
			SetFirstResult(crit.Offset).
			SetMaxResults(crit.Limit).
			ResultType(r.typeName)

		res, err := q.List(ctx)
		if err != nil {
			return err
		}
		records = make([]T, 0, len(res))
		for _, e := range res {
			var v T
			if err := r.cast(e.(entity.Entity), &v); err != nil {
				return err
			}
			records = append(records, v)
		}

		if !withTotal {
			return nil
		}
		if crit.Limit == 0 && crit.Offset == 0 {
			total = len(records)
			return nil
		}
		total, err = r.count(ctx, pc, home, crit)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Count returns the number of records matching criteria.
func (r *Repository[T]) Count(ctx context.Context, criteria ...SelectCriteria) (int, error) {
	home, err := r.home()
	if err != nil {
		return 0, err
	}
	crit := buildCriteria(criteria)

	var n int
	err = r.run(ctx, func(pc *persistence.Context) error {
		var err error
		n, err = r.count(ctx, pc, home, crit)
		return err
	})
	return n, err
}

func (r *Repository[T]) count(ctx context.Context, pc *persistence.Context, home *persistence.EntityHome, crit Criteria) (int, error) {
	v, err := pc.CreateQuery(ctx, selectSQL(home.Type().Table, Criteria{Where: crit.Where}, "COUNT(*)")).
		Bind(crit.Args...).
		SingleResult(ctx)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("repositorycache: unexpected count type %T", v)
}

// Create persists record. Outside a transaction the row is written before
// Create returns.
func (r *Repository[T]) Create(ctx context.Context, record T) (T, error) {
	err := r.run(ctx, func(pc *persistence.Context) error {
		if err := pc.Persist(ctx, record); err != nil {
			return err
		}
		return flushOutsideTx(ctx, pc)
	})
	return record, err
}

// Update copies the fields of record onto the managed instance with the
// same key and returns that instance. record may be managed by the bound
// context, detached from an earlier one, or a fresh value carrying the key.
func (r *Repository[T]) Update(ctx context.Context, record T) (T, error) {
	var out T
	err := r.run(ctx, func(pc *persistence.Context) error {
		managed := entity.Entity(record)
		if !pc.Contains(record) {
			loaded, err := pc.Load(ctx, r.typeName, record.PrimaryKey())
			if err != nil {
				return err
			}
			data, err := entity.Encode(record)
			if err != nil {
				return err
			}
			if err := entity.Decode(data, loaded); err != nil {
				return err
			}
			managed = loaded
		}
		if err := pc.Update(ctx, managed); err != nil {
			return err
		}
		if err := flushOutsideTx(ctx, pc); err != nil {
			return err
		}
		return r.cast(managed, &out)
	})
	return out, err
}

// Delete removes the record with the key of record. Deleting a record
// whose row is already gone is a no-op.
func (r *Repository[T]) Delete(ctx context.Context, record T) error {
	return r.run(ctx, func(pc *persistence.Context) error {
		if err := pc.Remove(ctx, record); err != nil {
			return err
		}
		return flushOutsideTx(ctx, pc)
	})
}

func (r *Repository[T]) cast(e entity.Entity, out *T) error {
	v, ok := e.(T)
	if !ok {
		return fmt.Errorf("repositorycache: %s is %T, not %T", r.typeName, e, *out)
	}
	*out = v
	return nil
}

func flushOutsideTx(ctx context.Context, pc *persistence.Context) error {
	if pc.InTransaction() {
		return nil
	}
	return pc.Flush(ctx)
}

func selectSQL(table string, crit Criteria, columns string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columns)
	b.WriteString(" FROM ")
	b.WriteString(table)
	if len(crit.Where) > 0 {
		b.WriteString(" WHERE ")
		for i, w := range crit.Where {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString("(")
			b.WriteString(w)
			b.WriteString(")")
		}
	}
	if crit.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(crit.OrderBy)
	}
	return b.String()
}
