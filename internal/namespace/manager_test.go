package namespace

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

var (
	alice = object.String("alice")
	bob   = object.String("bob")
	u1    = object.Handle{Type: schema.UserType, ID: 1}
	u2    = object.Handle{Type: schema.UserType, ID: 2}
)

func newManager(t *testing.T, objs ...*object.Object) *Manager {
	t.Helper()
	m := New(schema.Default())
	require.Empty(t, m.Rebuild(objs))
	return m
}

func user(h object.Handle, name string) *object.Object {
	return &object.Object{Handle: h, Fields: map[object.FieldID][]object.Value{
		schema.UserUsername: {object.String(name)},
	}}
}

// TestReserve tests probe reservations across transactions.
func TestReserve(t *testing.T) {
	m := newManager(t, user(u1, "alice"))

	ok, err := m.Reserve(1, "username", alice, false)
	require.NoError(t, err)
	assert.False(t, ok, "committed value must not be reservable")

	ok, _ = m.Reserve(1, "username", bob, true)
	assert.True(t, ok)
	ok, _ = m.Reserve(1, "username", bob, false)
	assert.True(t, ok, "non-exclusive re-reservation is idempotent")
	ok, _ = m.Reserve(1, "username", bob, true)
	assert.False(t, ok, "exclusive re-reservation fails")
	ok, _ = m.Reserve(2, "username", bob, false)
	assert.False(t, ok, "reserved by another transaction")

	require.NoError(t, m.Release(1, "username", bob))
	ok, _ = m.Reserve(2, "username", bob, true)
	assert.True(t, ok)

	_, err = m.Reserve(1, "nope", bob, false)
	assert.True(t, errs.Is(err, errs.SchemaError))
}

// TestClaimConflicts tests uniqueness of claims.
func TestClaimConflicts(t *testing.T) {
	m := newManager(t, user(u1, "alice"))
	u3 := object.Handle{Type: schema.UserType, ID: 3}

	err := m.Claim(1, "username", alice, u2)
	assert.True(t, errs.Is(err, errs.UniquenessConflict))

	require.NoError(t, m.Claim(1, "username", bob, u2))
	err = m.Claim(2, "username", bob, u3)
	assert.True(t, errs.Is(err, errs.UniquenessConflict))
	err = m.Claim(1, "username", bob, u3)
	assert.True(t, errs.Is(err, errs.UniquenessConflict), "one value per object within a transaction")

	m.Promote(1)
	h, ok := m.Lookup("username", bob)
	require.True(t, ok)
	assert.Equal(t, u2, h)

	err = m.Claim(2, "username", bob, u3)
	assert.True(t, errs.Is(err, errs.UniquenessConflict))
}

// TestCaseInsensitiveNamespace tests folding in case-insensitive namespaces.
func TestCaseInsensitiveNamespace(t *testing.T) {
	m := newManager(t)
	sys := object.Handle{Type: schema.SystemType, ID: 1}
	other := object.Handle{Type: schema.SystemType, ID: 2}

	require.NoError(t, m.Claim(1, "hostname", object.String("WWW"), sys))
	err := m.Claim(1, "hostname", object.String("www"), other)
	assert.True(t, errs.Is(err, errs.UniquenessConflict))

	require.NoError(t, m.Claim(1, "username", object.String("Alice"), u1))
	require.NoError(t, m.Claim(1, "username", object.String("alice"), u2))
}

// TestSwapWithinTransaction tests moving a committed value between objects.
func TestSwapWithinTransaction(t *testing.T) {
	m := newManager(t, user(u1, "alice"))

	require.NoError(t, m.Unclaim(1, "username", alice, u1))
	ok, _ := m.Available(2, "username", alice)
	assert.False(t, ok, "released value stays unavailable to others")
	ok, _ = m.Available(1, "username", alice)
	assert.True(t, ok)

	require.NoError(t, m.Claim(1, "username", alice, u2))
	require.NoError(t, m.Claim(1, "username", bob, u1))
	require.NoError(t, m.Verify(1))
	m.Promote(1)

	h, _ := m.Lookup("username", alice)
	assert.Equal(t, u2, h)
	h, _ = m.Lookup("username", bob)
	assert.Equal(t, u1, h)

	committed, pending := m.Stats()
	assert.Equal(t, 2, committed)
	assert.Equal(t, 0, pending)
}

// TestUnclaimCommittedValue tests that released committed values are
// removed at promote.
func TestUnclaimCommittedValue(t *testing.T) {
	m := newManager(t, user(u1, "alice"))

	require.NoError(t, m.Unclaim(1, "username", alice, u1))
	m.Promote(1)
	_, ok := m.Lookup("username", alice)
	assert.False(t, ok)
	require.NoError(t, m.Claim(2, "username", alice, u2))
}

// TestRollbackToMark tests that rollback restores exactly the marked state.
func TestRollbackToMark(t *testing.T) {
	m := newManager(t, user(u1, "alice"))

	require.NoError(t, m.Claim(1, "username", bob, u2))
	mark := m.Mark(1)
	committedBefore, pendingBefore := m.Stats()

	require.NoError(t, m.Unclaim(1, "username", bob, u2))
	require.NoError(t, m.Unclaim(1, "username", alice, u1))
	require.NoError(t, m.Claim(1, "username", alice, u2))
	_, err := m.Reserve(1, "uid", object.Int(5), true)
	require.NoError(t, err)

	m.RollbackTo(1, mark)
	committed, pending := m.Stats()
	assert.Equal(t, committedBefore, committed)
	assert.Equal(t, pendingBefore, pending)

	ok, _ := m.Available(2, "uid", object.Int(5))
	assert.True(t, ok)
	err = m.Claim(2, "username", alice, u2)
	assert.True(t, errs.Is(err, errs.UniquenessConflict), "alice is held by u1 again")
	err = m.Claim(2, "username", bob, u2)
	assert.True(t, errs.Is(err, errs.UniquenessConflict), "bob is still claimed by txn 1")

	m.Abort(1)
	_, pending = m.Stats()
	assert.Equal(t, 0, pending)
	require.NoError(t, m.Claim(2, "username", bob, u2))
}

// TestRebuildDuplicates tests duplicate detection on rebuild.
func TestRebuildDuplicates(t *testing.T) {
	m := New(schema.Default())
	dups := m.Rebuild([]*object.Object{user(u1, "alice"), user(u2, "alice")})
	require.Len(t, dups, 1)
	assert.Equal(t, "username", dups[0].Namespace)
	assert.Equal(t, []object.Handle{u1, u2}, dups[0].Holders)

	h, _ := m.Lookup("username", alice)
	assert.Equal(t, u1, h)
}

// TestConcurrentClaims tests that exactly one of many racing claims wins.
func TestConcurrentClaims(t *testing.T) {
	m := newManager(t)
	var wins int32
	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(txn uint64) {
			defer wg.Done()
			h := object.Handle{Type: schema.UserType, ID: uint32(txn)}
			if err := m.Claim(txn, "username", alice, h); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(uint64(i))
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
