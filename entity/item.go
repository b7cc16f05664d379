package entity

import (
	"bytes"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Encode renders the persistent fields of e. The encoding is canonical:
// the entries of every map, at any depth and of any key type, are ordered
// by their encoded key, so equal field values always yield equal bytes.
// Contexts rely on that for dirty detection.
func Encode(e Entity) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, err
	}
	return canonical(data)
}

// canonical rewrites one encoded value with sorted map entries. msgpack only
// sorts a few map kinds itself, so the ordering is applied on the wire form.
func canonical(raw []byte) ([]byte, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	switch {
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		entries := make([][2][]byte, n)
		for i := range entries {
			for j := 0; j < 2; j++ {
				part, err := dec.DecodeRaw()
				if err != nil {
					return nil, err
				}
				if entries[i][j], err = canonical(part); err != nil {
					return nil, err
				}
			}
		}
		sort.Slice(entries, func(a, b int) bool {
			return bytes.Compare(entries[a][0], entries[b][0]) < 0
		})
		if err := enc.EncodeMapLen(n); err != nil {
			return nil, err
		}
		for _, entry := range entries {
			buf.Write(entry[0])
			buf.Write(entry[1])
		}
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if err := enc.EncodeArrayLen(n); err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			part, err := dec.DecodeRaw()
			if err != nil {
				return nil, err
			}
			if part, err = canonical(part); err != nil {
				return nil, err
			}
			buf.Write(part)
		}
	default:
		return raw, nil
	}
	return buf.Bytes(), nil
}

// Decode overwrites the persistent fields of e from data.
func Decode(data []byte, e Entity) error {
	return msgpack.Unmarshal(data, e)
}

// Item is the immutable, context independent snapshot of a row held in the
// unit's entity cache. Contexts never modify an Item; they decode private
// copies from it.
type Item struct {
	typ      *Type
	key      Key
	data     []byte
	loadedAt time.Time
}

// NewItem snapshots e.
func NewItem(typ *Type, key Key, e Entity, loadedAt time.Time) (*Item, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return &Item{typ: typ, key: key, data: data, loadedAt: loadedAt}, nil
}

// NewItemFromSnapshot wraps an existing encoding. data is copied.
func NewItemFromSnapshot(typ *Type, key Key, data []byte, loadedAt time.Time) *Item {
	return &Item{typ: typ, key: key, data: bytes.Clone(data), loadedAt: loadedAt}
}

// Key returns the identity of the row.
func (i *Item) Key() Key {
	return i.key
}

// Type returns the entity type.
func (i *Item) Type() *Type {
	return i.typ
}

// Table returns the owning table.
func (i *Item) Table() string {
	return i.typ.Table
}

// LoadedAt returns when the snapshot was read from the store.
func (i *Item) LoadedAt() time.Time {
	return i.loadedAt
}

// Snapshot returns a copy of the encoded row.
func (i *Item) Snapshot() []byte {
	return bytes.Clone(i.data)
}

// Expired reports whether the type cache timeout elapsed at now.
func (i *Item) Expired(now time.Time) bool {
	return i.typ.CacheTimeout > 0 && now.Sub(i.loadedAt) > i.typ.CacheTimeout
}

// Copy materialises a new instance from the snapshot, bound to owner in
// StatePersisted.
func (i *Item) Copy(owner any) (Entity, error) {
	e := i.typ.New()
	if err := Decode(i.data, e); err != nil {
		return nil, err
	}
	e.Lifecycle().MarkLoaded(owner, i.typ, i.data)
	return e, nil
}
