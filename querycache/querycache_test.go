package querycache

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeTable struct {
	name    string
	version atomic.Uint64
}

func (f *fakeTable) Name() string    { return f.name }
func (f *fakeTable) Version() uint64 { return f.version.Load() }

func TestNewKey_Equality(t *testing.T) {
	base := NewKey("SELECT id FROM users WHERE name = ?", []any{"a"}, 0)

	tests := []struct {
		name  string
		key   Key
		equal bool
	}{
		{
			name:  "identical triple",
			key:   NewKey("SELECT id FROM users WHERE name = ?", []any{"a"}, 0),
			equal: true,
		},
		{
			name:  "different sql",
			key:   NewKey("SELECT id FROM users WHERE name <> ?", []any{"a"}, 0),
			equal: false,
		},
		{
			name:  "different parameter value",
			key:   NewKey("SELECT id FROM users WHERE name = ?", []any{"b"}, 0),
			equal: false,
		},
		{
			name:  "different parameter type",
			key:   NewKey("SELECT id FROM users WHERE name = ?", []any{[]byte("a")}, 0),
			equal: false,
		},
		{
			name:  "different start row",
			key:   NewKey("SELECT id FROM users WHERE name = ?", []any{"a"}, 25),
			equal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.key == base) != tt.equal {
				t.Errorf("expected equal=%v for %+v", tt.equal, tt.key)
			}
			if tt.equal && tt.key.Digest != base.Digest {
				t.Error("equal keys must share a digest")
			}
		})
	}
}

func TestChunk_ValidityFollowsTableVersion(t *testing.T) {
	users := &fakeTable{name: "users"}
	orders := &fakeTable{name: "orders"}
	users.version.Store(3)

	c := NewChunk(
		NewKey("SELECT 1", nil, 0),
		[]string{"id"},
		[][]any{{int64(1)}, {int64(2)}},
		[]Table{users, orders},
		[]uint64{users.Version(), orders.Version()},
	)

	if !c.IsValid() {
		t.Fatal("expected fresh chunk to be valid")
	}
	if !c.DependsOn("orders") || c.DependsOn("accounts") {
		t.Errorf("unexpected dependencies %v", c.Tables())
	}
	if c.Len() != 2 || c.Columns()[0] != "id" {
		t.Errorf("unexpected contents")
	}

	orders.version.Add(1)
	if c.IsValid() {
		t.Error("expected chunk to go stale after a dependency changed")
	}
}

func TestChunk_Timeout(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	c := NewChunk(NewKey("SELECT 1", nil, 0), nil, nil, nil, nil,
		WithTimeout(time.Second), WithClock(clock))

	if !c.IsValid() {
		t.Fatal("expected valid chunk")
	}
	now = now.Add(2 * time.Second)
	if c.IsValid() {
		t.Error("expected chunk to time out")
	}
}
