package entity

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key identifies an entity: the registered type name and the normalised
// primary key. Keys are comparable values and safe to use as map keys.
type Key struct {
	Type string
	ID   any
}

// NewKey builds a Key. Integer keys of any width normalise to int64 (uint64
// above math.MaxInt64), byte slices to strings and pointers to their target,
// so equal keys compare equal however the caller typed them.
func NewKey(typeName string, id any) Key {
	return Key{Type: typeName, ID: normalizeID(id)}
}

func normalizeID(id any) any {
	if id == nil {
		return nil
	}

	switch v := id.(type) {
	case int64, string:
		return v
	case []byte:
		return string(v)
	}

	rv := reflect.ValueOf(id)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalizeID(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u <= math.MaxInt64 {
			return int64(u)
		}
		return u
	case reflect.String:
		return rv.String()
	}

	if !rv.Type().Comparable() {
		return fmt.Sprintf("%v", id)
	}
	return id
}

// IsNil reports whether the key carries no id at all.
func (k Key) IsNil() bool {
	return k.ID == nil
}

// IsZero reports whether the id is nil or the zero value of its type. Only
// persist gives this meaning: a zero id on a type with a generator asks for
// a generated one. Lookups accept zero ids as ordinary keys.
func (k Key) IsZero() bool {
	if k.ID == nil {
		return true
	}
	switch v := k.ID.(type) {
	case int64:
		return v == 0
	case string:
		return v == ""
	}
	return reflect.ValueOf(k.ID).IsZero()
}

// Hash returns a stable 64-bit hash of the key.
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(k.String())
}

// String renders the key as type#id.
func (k Key) String() string {
	switch v := k.ID.(type) {
	case int64:
		return k.Type + "#" + strconv.FormatInt(v, 10)
	case string:
		return k.Type + "#" + strconv.Quote(v)
	}
	return fmt.Sprintf("%s#%v", k.Type, k.ID)
}
