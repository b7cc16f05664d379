// Package repositorycache provides typed repositories on top of a
// persistence unit.
//
// # Overview
//
// A Repository[T] is a thin, generic view of one registered entity type.
// It keeps the familiar Get/List/Count/Create/Update/Delete surface while
// every call goes through a persistence context, so reads are served by the
// unit's shared entity cache and query cache, and writes are tracked,
// flushed and invalidated the same way as any other context operation.
//
// # Basic Usage
//
//	unit, err := persistence.NewUnit(persistence.DefaultConfig(), persistence.WithDB(db))
//	if err != nil {
//		return err
//	}
//	if err := unit.RegisterModels(&User{}); err != nil {
//		return err
//	}
//
//	users := repositorycache.New[*User](unit, "user")
//
//	user, err := users.GetByID(ctx, 42)
//	active, total, err := users.List(ctx,
//		repositorycache.Where("active = ?", true),
//		repositorycache.OrderBy("name"),
//		repositorycache.Limit(20),
//	)
//
// # Context Binding
//
// When ctx carries a persistence context (see persistence.Unit.Current),
// the repository uses it: returned records are managed by that context and
// writes become part of its unit of work. Create, Update and Delete flush
// immediately unless the bound context has a transaction open, in which
// case the rows are written when the transaction commits.
//
// Without a bound context, every call runs in a short-lived context that
// is closed before the call returns. Records returned that way are
// detached; pass them back to Update or Delete and they are resolved by
// primary key.
//
// # Caching Behavior
//
//   - GetByID reads the shared entity cache first, then the store
//   - List, Get and Count go through the query cache, keyed by SQL text,
//     parameters and paging window
//   - Every commit invalidates the snapshots and query results of the
//     tables it touched
//   - Queries issued while the bound context has unflushed changes to a
//     table are flushed first and bypass the shared caches
//
// Use persistence.WithoutQueryCache to skip the query cache for one call
// chain.
//
// # Error Handling
//
// Missing records are reported as persistence.ErrObjectNotFound, which can
// be tested with persistence.IsNotFound. Get returns
// persistence.ErrNonUniqueResult when more than one record matches. Store
// failures surface as *persistence.StoreError.
package repositorycache
