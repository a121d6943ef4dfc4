package object

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleParse(t *testing.T) {
	h := Handle{Type: 3, ID: 1042}
	assert.Equal(t, "3:1042", h.String())

	got, err := ParseHandle(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	for _, bad := range []string{"", "3", ":1", "x:1", "3:y", "70000:1"} {
		_, err := ParseHandle(bad)
		assert.Error(t, err, bad)
	}

	assert.True(t, Handle{}.IsZero())
	assert.True(t, Handle{Type: 1, ID: 9}.Less(Handle{Type: 2, ID: 1}))
	assert.True(t, Handle{Type: 2, ID: 1}.Less(Handle{Type: 2, ID: 3}))
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"string":    KindString,
		"Integer":   KindInt,
		"boolean":   KindBool,
		"reference": KindRef,
		"ipaddr":    KindIP,
		"perm":      KindPerm,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("float")
	assert.Error(t, err)
}

func TestValueEqualAndString(t *testing.T) {
	assert.True(t, String("a").Equal(String("a")))
	assert.False(t, String("1").Equal(Int(1)))
	assert.True(t, Date(time.Date(2030, 1, 1, 0, 0, 0, 500, time.UTC)).Equal(Date(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))))
	assert.Equal(t, "********", PasswordHash("$2a$10$x").String())
	assert.Equal(t, "10.0.0.1", IP(netip.MustParseAddr("10.0.0.1")).String())

	p := Perm(PermEntry{Type: 2, Bits: PermView}, PermEntry{Type: 1, Field: 3, Bits: PermView | PermEdit})
	assert.Equal(t, "1.3=ve--,2.0=v---", p.String())
	assert.True(t, p.Equal(Perm(PermEntry{Type: 1, Field: 3, Bits: PermView | PermEdit}, PermEntry{Type: 2, Bits: PermView})))
}

func TestChangeApply(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	h := Handle{Type: 1, ID: 1}

	create := Change{Op: OpCreate, Handle: h, Fields: map[FieldID][]Value{
		1: {String("alice")},
		2: {Int(1001)},
		3: {},
	}}
	obj := create.Apply(nil, 1, at)
	assert.Equal(t, []FieldID{1, 2}, obj.FieldIDs())
	assert.Equal(t, uint64(1), obj.Seq)

	update := Change{Op: OpUpdate, Handle: h, Fields: map[FieldID][]Value{
		1: {String("alice2")},
		2: {},
	}}
	next := update.Apply(obj, 2, at.Add(time.Minute))
	v, ok := next.First(1)
	require.True(t, ok)
	assert.Equal(t, "alice2", v.Str)
	assert.Nil(t, next.Get(2))

	// The base version is untouched.
	v, _ = obj.First(1)
	assert.Equal(t, "alice", v.Str)

	del := Change{Op: OpDelete, Handle: h}
	assert.Nil(t, del.Apply(next, 3, at))

	clone := next.Clone()
	assert.True(t, clone.Equal(next))
	clone.Fields[1][0] = String("mallory")
	assert.False(t, clone.Equal(next))
}

func TestDeltaTypes(t *testing.T) {
	d := &Delta{Changes: []Change{
		{Op: OpCreate, Handle: Handle{Type: 2, ID: 1}},
		{Op: OpUpdate, Handle: Handle{Type: 1, ID: 4}},
		{Op: OpDelete, Handle: Handle{Type: 2, ID: 7}},
	}}
	assert.Equal(t, []TypeID{2, 1}, d.Types())
	assert.False(t, d.Empty())
	assert.True(t, (&Delta{}).Empty())
	assert.Equal(t, "delete", OpDelete.String())
}
