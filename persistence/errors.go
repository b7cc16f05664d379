package persistence

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-persistence/entity"
	"github.com/goliatone/go-persistence/internal/store"
)

// Usage errors. They are reported synchronously, never retried, and leave
// the context as it was.
var (
	ErrNotEntity          = errors.New("persistence: object is not an entity")
	ErrUnknownEntityType  = errors.New("persistence: unknown entity type")
	ErrRemovedEntity      = errors.New("persistence: entity has been removed")
	ErrDetachedEntity     = errors.New("persistence: detached entity")
	ErrManagedElsewhere   = errors.New("persistence: entity is managed by another context")
	ErrNotManaged         = errors.New("persistence: entity is not managed by this context")
	ErrMissingKey         = errors.New("persistence: entity has no primary key")
	ErrTransactionActive  = errors.New("persistence: transaction already active")
	ErrNoTransaction      = errors.New("persistence: no active transaction")
	ErrContextClosed      = errors.New("persistence: context is closed")
	ErrUnitClosed         = errors.New("persistence: unit is closed")
	ErrNoDataSource       = errors.New("persistence: no data source configured")
	ErrInvalidQuery       = errors.New("persistence: invalid query")
	ErrNoResult           = errors.New("persistence: query returned no result")
	ErrNonUniqueResult    = errors.New("persistence: query returned more than one result")
	ErrInvalidEntityState = errors.New("persistence: invalid entity state")
)

// Store error kinds, matched with errors.Is on any StoreError.
var (
	ErrEntityExists        = errors.New("persistence: entity already exists")
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	ErrConnection          = errors.New("persistence: connection failure")
)

// ErrObjectNotFound is returned by Load and Refresh for missing rows. Find
// reports the same condition as an absent result instead.
var ErrObjectNotFound = errors.New("persistence: object not found")

var usageErrors = []error{
	ErrNotEntity, ErrUnknownEntityType, ErrRemovedEntity, ErrDetachedEntity,
	ErrManagedElsewhere, ErrNotManaged, ErrMissingKey, ErrTransactionActive,
	ErrNoTransaction, ErrContextClosed, ErrUnitClosed, ErrNoDataSource,
	ErrInvalidQuery, ErrNoResult, ErrNonUniqueResult, ErrInvalidEntityState,
}

// IsUsageError reports whether err is a programming contract violation.
func IsUsageError(err error) bool {
	for _, sentinel := range usageErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsStoreError reports whether err belongs to the store error family.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsNotFound reports whether err is an object-not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// StoreError wraps every failure raised by the physical store so callers do
// not need to know the driver vocabulary.
type StoreError struct {
	Op   string
	Kind string
	Err  error

	sentinel error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("persistence: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the driver error.
func (e *StoreError) Unwrap() []error {
	if e.sentinel == nil {
		return []error{e.Err}
	}
	return []error{e.sentinel, e.Err}
}

func usageError(op string, sentinel error, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["operation"] = op
	return goerrors.Wrap(sentinel, goerrors.CategoryBadInput, op+": "+sentinel.Error()).
		WithTextCode("USAGE_ERROR").
		WithMetadata(meta)
}

func notFoundError(op string, key entity.Key) error {
	return goerrors.Wrap(ErrObjectNotFound, goerrors.CategoryNotFound, op+": "+key.String()+" not found").
		WithTextCode("NOT_FOUND").
		WithMetadata(map[string]any{"operation": op, "key": key.String()})
}

func storeError(op string, err error) error {
	kind := store.Classify(err)
	se := &StoreError{Op: op, Kind: kind.String(), Err: err}

	category := goerrors.CategoryInternal
	code := "STORE_FAILURE"
	switch {
	case kind == store.KindUniqueViolation:
		se.sentinel = ErrEntityExists
		category = goerrors.CategoryConflict
		code = "ENTITY_EXISTS"
	case kind.IsConstraint():
		se.sentinel = ErrConstraintViolation
		category = goerrors.CategoryConflict
		code = "CONSTRAINT_VIOLATION"
	case kind == store.KindConnection:
		se.sentinel = ErrConnection
	}

	return goerrors.Wrap(se, category, se.Error()).
		WithTextCode(code).
		WithMetadata(map[string]any{"operation": op, "kind": se.Kind})
}

// conflictError reports a key already managed by the context.
func conflictError(op string, key entity.Key) error {
	se := &StoreError{Op: op, Kind: "duplicate_key", Err: fmt.Errorf("key %s already managed", key), sentinel: ErrEntityExists}
	return goerrors.Wrap(se, goerrors.CategoryConflict, se.Error()).
		WithTextCode("ENTITY_EXISTS").
		WithMetadata(map[string]any{"operation": op, "key": key.String()})
}
