package entity

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"
)

type account struct {
	Base `msgpack:"-"`

	ID    int64
	Name  string
	Quota map[string]int
}

func (a *account) PrimaryKey() any { return a.ID }

func accountType() *Type {
	return &Type{
		Name:      "account",
		Table:     "accounts",
		KeyColumn: "id",
		New:       func() Entity { return &account{} },
	}
}

func TestLifecycle_ForwardOnly(t *testing.T) {
	var lc Lifecycle

	steps := []State{StateManaged, StatePersisted, StateDeleting, StateDeleted}
	for _, s := range steps {
		if err := lc.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	for _, back := range []State{StateTransient, StateManaged, StatePersisted, StateDeleting, StateDeleted} {
		if err := lc.Transition(back); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("expected illegal transition from deleted to %s, got %v", back, err)
		}
	}

	lc.Reset()
	if lc.State() != StateTransient {
		t.Errorf("expected reset to transient, got %s", lc.State())
	}
	if err := lc.Transition(StateManaged); err != nil {
		t.Errorf("expected re-create after reset, got %v", err)
	}
}

func TestLifecycle_CheckpointRestore(t *testing.T) {
	var lc Lifecycle
	lc.MarkLoaded("ctx", accountType(), []byte("v1"))

	lc.Checkpoint()
	lc.MarkWritten([]byte("v2"))
	lc.Checkpoint() // ignored: first checkpoint of the transaction wins
	if err := lc.Transition(StateDeleting); err != nil {
		t.Fatal(err)
	}

	snap, ok := lc.Restore()
	if !ok {
		t.Fatal("expected a checkpoint")
	}
	if string(snap) != "v1" || string(lc.Snapshot()) != "v1" {
		t.Errorf("expected v1 snapshot, got %q / %q", snap, lc.Snapshot())
	}
	if lc.State() != StatePersisted {
		t.Errorf("expected persisted after restore, got %s", lc.State())
	}
	if _, ok := lc.Restore(); ok {
		t.Error("expected checkpoint to be consumed")
	}
}

func TestLifecycle_Detach(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(*Lifecycle)
		wantDetached bool
	}{
		{
			name:         "persisted becomes detached",
			setup:        func(l *Lifecycle) { l.MarkLoaded("ctx", accountType(), nil) },
			wantDetached: true,
		},
		{
			name: "managed new is just transient",
			setup: func(l *Lifecycle) {
				l.Attach("ctx", accountType())
				_ = l.Transition(StateManaged)
			},
			wantDetached: false,
		},
		{
			name: "deleted row forgets existence",
			setup: func(l *Lifecycle) {
				l.MarkLoaded("ctx", accountType(), nil)
				_ = l.Transition(StateDeleted)
			},
			wantDetached: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lc Lifecycle
			tt.setup(&lc)
			lc.Detach()

			if lc.State() != StateTransient || lc.Owner() != nil {
				t.Errorf("expected untracked transient, got %s owner=%v", lc.State(), lc.Owner())
			}
			if lc.Detached() != tt.wantDetached {
				t.Errorf("expected detached=%v", tt.wantDetached)
			}
		})
	}
}

func TestNewKey_Normalisation(t *testing.T) {
	id := int64(7)
	same := []any{7, int8(7), int32(7), int64(7), uint(7), uint16(7), &id}
	want := NewKey("account", int64(7))

	for _, v := range same {
		if got := NewKey("account", v); got != want {
			t.Errorf("NewKey(%T) = %v, want %v", v, got, want)
		}
		if NewKey("account", v).Hash() != want.Hash() {
			t.Errorf("hash differs for %T", v)
		}
	}

	if NewKey("account", "7") == want {
		t.Error("string and integer keys must differ")
	}
	if NewKey("other", 7) == want {
		t.Error("keys of different types must differ")
	}
	if NewKey("account", []byte("k")) != NewKey("account", "k") {
		t.Error("byte slice key should normalise to string")
	}
}

func TestKey_IsZero(t *testing.T) {
	tests := []struct {
		id   any
		want bool
	}{
		{nil, true},
		{0, true},
		{"", true},
		{5, false},
		{"a", false},
		{[16]byte{}, true},
		{[16]byte{1}, false},
	}

	for _, tt := range tests {
		if got := NewKey("t", tt.id).IsZero(); got != tt.want {
			t.Errorf("IsZero(%#v) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestItem_CopyIsIndependent(t *testing.T) {
	typ := accountType()
	src := &account{ID: 1, Name: "a", Quota: map[string]int{"x": 1}}
	item, err := NewItem(typ, typ.KeyOf(src), src, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// later changes to the source never leak into the snapshot
	src.Name = "changed"

	first, err := item.Copy("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := item.Copy("ctx-b")
	if err != nil {
		t.Fatal(err)
	}

	a, b := first.(*account), second.(*account)
	if a == b {
		t.Fatal("expected distinct instances")
	}
	if a.Name != "a" || b.Name != "a" {
		t.Errorf("expected snapshot name a, got %q and %q", a.Name, b.Name)
	}

	a.Quota["x"] = 99
	if b.Quota["x"] != 1 {
		t.Error("copies must not share mutable state")
	}

	lc := a.Lifecycle()
	if lc.State() != StatePersisted || lc.Owner() != "ctx-a" || !lc.Exists() {
		t.Errorf("unexpected lifecycle after copy: %s owner=%v exists=%v", lc.State(), lc.Owner(), lc.Exists())
	}
	if item.Table() != "accounts" || item.Key() != NewKey("account", 1) {
		t.Errorf("unexpected item identity %s %v", item.Table(), item.Key())
	}
}

func TestEncode_Deterministic(t *testing.T) {
	e := &account{ID: 1, Quota: map[string]int{"c": 3, "a": 1, "b": 2}}

	first, err := Encode(e)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, _ := Encode(e)
		if string(again) != string(first) {
			t.Fatal("encoding is not deterministic")
		}
	}

	var back account
	if err := Decode(first, &back); err != nil {
		t.Fatal(err)
	}
	if back.Quota["b"] != 2 || back.ID != 1 {
		t.Errorf("unexpected decode: %+v", back)
	}
}

type ledger struct {
	Base `msgpack:"-"`

	ID      int64
	Buckets map[int64]map[string]int
	Limits  []map[string]float64
}

func (l *ledger) PrimaryKey() any { return l.ID }

func TestEncode_CanonicalNestedMaps(t *testing.T) {
	build := func() *ledger {
		l := &ledger{ID: 7, Buckets: map[int64]map[string]int{}}
		for i := int64(0); i < 16; i++ {
			inner := map[string]int{}
			for _, k := range []string{"x", "y", "z", "w", "v", "u"} {
				inner[k] = int(i)
			}
			l.Buckets[i] = inner
		}
		l.Limits = []map[string]float64{{"a": 1, "b": 2, "c": 3, "d": 4}, nil}
		return l
	}

	first, err := Encode(build())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		again, err := Encode(build())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(again, first) {
			t.Fatal("equal values encoded to different bytes")
		}
	}

	var back ledger
	if err := Decode(first, &back); err != nil {
		t.Fatal(err)
	}
	want := build()
	if !reflect.DeepEqual(back.Buckets, want.Buckets) || !reflect.DeepEqual(back.Limits, want.Limits) {
		t.Errorf("unexpected decode: %+v", back)
	}
}

func TestItem_Expired(t *testing.T) {
	typ := accountType()
	typ.CacheTimeout = time.Minute
	loaded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	item := NewItemFromSnapshot(typ, NewKey("account", 1), []byte{0x80}, loaded)

	if item.Expired(loaded.Add(30 * time.Second)) {
		t.Error("expected item to be fresh")
	}
	if !item.Expired(loaded.Add(2 * time.Minute)) {
		t.Error("expected item to be expired")
	}

	typ.CacheTimeout = 0
	if item.Expired(loaded.Add(24 * time.Hour)) {
		t.Error("zero timeout never expires")
	}
}

func TestType_Validate(t *testing.T) {
	if err := (&Type{Name: "x"}).Validate(); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected missing factory to fail, got %v", err)
	}
	if err := (*Type)(nil).Validate(); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected nil type to fail, got %v", err)
	}
	if err := accountType().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNaming(t *testing.T) {
	tests := []struct {
		fn   func(string) string
		in   string
		want string
	}{
		{SequenceName, "users", "user_seq"},
		{SequenceName, "OrderLines", "order_line_seq"},
		{SequenceName, "", ""},
		{TypeName, "*models.UserAccount", "user_account"},
		{TypeName, "HTTPServer", "http_server"},
		{TypeName, "Box[int]", "box"},
	}

	for _, tt := range tests {
		if got := tt.fn(tt.in); got != tt.want {
			t.Errorf("got %q for %q, want %q", got, tt.in, tt.want)
		}
	}
}
