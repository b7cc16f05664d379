package persistence

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/goliatone/go-persistence/entity"
	"github.com/uptrace/bun"
)

// EntityHome is the per-type handle of the unit: the type description, its
// table and the id generator used for new instances. Homes are built once,
// on first use, and shared by every context.
type EntityHome struct {
	typ       *entity.Type
	table     *Table
	generator IDGenerator
}

// Type returns the entity type.
func (h *EntityHome) Type() *entity.Type {
	return h.typ
}

// Table returns the backing table.
func (h *EntityHome) Table() *Table {
	return h.table
}

// Generator returns the id generator, or nil when keys are assigned by the
// application.
func (h *EntityHome) Generator() IDGenerator {
	return h.generator
}

// New returns a fresh instance.
func (h *EntityHome) New() entity.Entity {
	return h.typ.New()
}

// KeyOf returns the identity key of e.
func (h *EntityHome) KeyOf(e entity.Entity) entity.Key {
	return h.typ.KeyOf(e)
}

// assigned reports whether key names a row. A zero id on a generated type
// is still waiting for its key.
func (h *EntityHome) assigned(key entity.Key) bool {
	if key.IsNil() {
		return false
	}
	return h.generator == nil || !key.IsZero()
}

func (h *EntityHome) selectRow(ctx context.Context, idb bun.IDB, dst entity.Entity, key entity.Key) error {
	return idb.NewSelect().
		Model(dst).
		Where("? = ?", bun.Ident(h.typ.KeyColumn), key.ID).
		Limit(1).
		Scan(ctx)
}

func (h *EntityHome) insertRow(ctx context.Context, idb bun.IDB, e entity.Entity) error {
	_, err := idb.NewInsert().Model(e).Exec(ctx)
	return err
}

func (h *EntityHome) updateRow(ctx context.Context, idb bun.IDB, e entity.Entity) (int64, error) {
	res, err := idb.NewUpdate().Model(e).WherePK().Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (h *EntityHome) deleteRow(ctx context.Context, idb bun.IDB, e entity.Entity) error {
	_, err := idb.NewDelete().Model(e).WherePK().Exec(ctx)
	return err
}

// describe completes typ from the bun schema of its model.
func describe(db *bun.DB, typ *entity.Type) error {
	if typ.Table != "" && typ.KeyColumn != "" {
		typ.Table = strings.ToLower(typ.Table)
		return nil
	}
	if db == nil {
		return fmt.Errorf("%w: %s needs Table and KeyColumn without a data source", entity.ErrInvalidType, typ.Name)
	}

	rt := reflect.TypeOf(typ.New())
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	table := db.Table(rt)
	if table == nil {
		return fmt.Errorf("%w: %s is not a bun model", entity.ErrInvalidType, typ.Name)
	}

	if typ.Table == "" {
		typ.Table = table.Name
	}
	typ.Table = strings.ToLower(typ.Table)

	if typ.KeyColumn == "" {
		if len(table.PKs) != 1 {
			return fmt.Errorf("%w: %s must have exactly one primary key column, has %d",
				entity.ErrInvalidType, typ.Name, len(table.PKs))
		}
		typ.KeyColumn = table.PKs[0].Name
	}
	return nil
}

// TypeOf describes the Go type of sample as an entity type named after the
// struct, with its table and key column left for the unit to fill in.
func TypeOf(sample entity.Entity) *entity.Type {
	rt := reflect.TypeOf(sample)
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return &entity.Type{
		Name: entity.TypeName(rt.Name()),
		New: func() entity.Entity {
			return reflect.New(rt).Interface().(entity.Entity)
		},
	}
}
