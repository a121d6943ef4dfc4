package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/namespace"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/password"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
	"github.com/KilimcininKorOglu/dirmgr/internal/tx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) *tx.Manager {
	t.Helper()
	st := store.New(schema.Default())
	p := password.DefaultPolicy()
	p.BcryptCost = bcrypt.MinCost
	m, err := tx.NewManager(tx.Options{
		Store:      st,
		Namespaces: namespace.New(st.Schema()),
		Passwords:  password.NewHasher(p),
	})
	require.NoError(t, err)
	return m
}

func addGroup(t *testing.T, m *tx.Manager, name string, gid int64) object.Handle {
	t.Helper()
	txn := m.Open(nil, "group")
	w, err := txn.CreateObject(schema.GroupType)
	require.NoError(t, err)
	require.NoError(t, w.Set(schema.GroupName, object.String(name)))
	require.NoError(t, w.Set(schema.GroupGID, object.Int(gid)))
	require.NoError(t, txn.Commit())
	return w.Handle()
}

func addUser(t *testing.T, m *tx.Manager, name string, uid int64, plain string, extra func(w *tx.WorkingObject)) object.Handle {
	t.Helper()
	txn := m.Open(nil, "user")
	w, err := txn.CreateObject(schema.UserType)
	require.NoError(t, err)
	require.NoError(t, w.Set(schema.UserUsername, object.String(name)))
	require.NoError(t, w.Set(schema.UserUID, object.Int(uid)))
	require.NoError(t, txn.SetPassword(w, schema.UserPassword, plain))
	if extra != nil {
		extra(w)
	}
	require.NoError(t, txn.Commit())
	return w.Handle()
}

// TestLogin tests password login and the derived principal.
func TestLogin(t *testing.T) {
	m := newManager(t)
	wheel := addGroup(t, m, "wheel", 10)
	staff := addGroup(t, m, "staff", 50)
	alice := addUser(t, m, "alice", 1001, "Secret123", func(w *tx.WorkingObject) {
		require.NoError(t, w.Set(schema.UserGroups, object.Ref(wheel), object.Ref(staff)))
		require.NoError(t, w.Set(schema.UserPerms, object.Perm(object.PermEntry{Type: schema.SystemType, Bits: object.PermView})))
	})

	r := New(Options{Manager: m, AdminGroup: "wheel"})
	s, err := r.Login("alice", "Secret123")
	require.NoError(t, err)
	require.NotNil(t, s.Principal)
	assert.Equal(t, "alice", s.Principal.Name)
	assert.Equal(t, alice, s.Principal.Handle)
	assert.Equal(t, []string{"wheel", "staff"}, s.Principal.Groups)
	assert.True(t, s.Principal.Admin)
	assert.Equal(t, []object.PermEntry{{Type: schema.SystemType, Bits: object.PermView}}, s.Principal.Perms)
	assert.Len(t, s.ID, 36)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Count())

	_, err = r.Login("alice", "wrong")
	assert.True(t, errs.Is(err, errs.AccessDenied))
	_, err = r.Login("nobody", "Secret123")
	assert.True(t, errs.Is(err, errs.AccessDenied))
	assert.Equal(t, 1, r.Count())
}

// TestLoginAccountState tests disabled and expired accounts.
func TestLoginAccountState(t *testing.T) {
	m := newManager(t)
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	addUser(t, m, "bob", 1002, "Secret123", func(w *tx.WorkingObject) {
		require.NoError(t, w.Set(schema.UserDisabled, object.Bool(true)))
	})
	addUser(t, m, "carol", 1003, "Secret123", func(w *tx.WorkingObject) {
		require.NoError(t, w.Set(schema.UserExpires, object.Date(c.Now().Add(time.Hour))))
	})

	r := New(Options{Manager: m, Now: c.Now})
	_, err := r.Login("bob", "Secret123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	_, err = r.Login("carol", "Secret123")
	require.NoError(t, err)
	c.Advance(2 * time.Hour)
	_, err = r.Login("carol", "Secret123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

// TestLockout tests that repeated failures lock the account.
func TestLockout(t *testing.T) {
	m := newManager(t)
	addUser(t, m, "alice", 1001, "Secret123", nil)

	p := password.DefaultPolicy()
	p.MaxFailures = 3
	c := &clock{now: time.Now()}
	r := New(Options{Manager: m, Lockout: password.NewLockout(p), Now: c.Now})

	for i := 0; i < 3; i++ {
		_, err := r.Login("alice", "wrong")
		require.Error(t, err)
	}
	_, err := r.Login("alice", "Secret123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	c.Advance(p.LockoutDuration + time.Second)
	_, err = r.Login("alice", "Secret123")
	require.NoError(t, err)
}

// TestOneTransactionPerSession tests Begin, Commit and Abort.
func TestOneTransactionPerSession(t *testing.T) {
	m := newManager(t)
	r := New(Options{Manager: m})
	s := r.OpenSystem()
	assert.Equal(t, "system", s.Name())

	txn, err := s.Begin("add group")
	require.NoError(t, err)
	_, err = s.Begin("again")
	assert.ErrorIs(t, err, ErrTransactionOpen)
	assert.Same(t, txn, s.Transaction())
	assert.Equal(t, txn.ID, s.Info().TxID)

	w, err := txn.CreateObject(schema.GroupType)
	require.NoError(t, err)
	require.NoError(t, w.Set(schema.GroupName, object.String("ops")))
	require.NoError(t, w.Set(schema.GroupGID, object.Int(70)))
	require.NoError(t, s.Commit())
	assert.Nil(t, s.Transaction())
	assert.Zero(t, s.Info().TxID)

	err = s.Commit()
	assert.True(t, errs.Is(err, errs.TransactionClosed))

	txn, err = s.Begin("second")
	require.NoError(t, err)
	s.Abort()
	assert.Equal(t, tx.StateAborted, txn.State())
}

// TestLogoutAbortsTransaction tests that logout releases check-outs.
func TestLogoutAbortsTransaction(t *testing.T) {
	m := newManager(t)
	g := addGroup(t, m, "ops", 70)
	r := New(Options{Manager: m})
	s := r.OpenSystem()

	txn, err := s.Begin("edit")
	require.NoError(t, err)
	_, err = txn.EditObject(g)
	require.NoError(t, err)
	_, held := m.CheckedOutBy(g)
	assert.True(t, held)

	require.NoError(t, r.Logout(s.ID))
	_, held = m.CheckedOutBy(g)
	assert.False(t, held)
	assert.Equal(t, tx.StateAborted, txn.State())
	assert.Equal(t, 0, m.ActiveCount())

	err = r.Logout(s.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = r.Get(s.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
}

// TestSweep tests that idle sessions expire, active ones survive and a
// session with an open transaction is kept however long it idles.
func TestSweep(t *testing.T) {
	m := newManager(t)
	c := &clock{now: time.Now()}
	r := New(Options{Manager: m, IdleTimeout: time.Minute, Now: c.Now})

	idle := r.OpenSystem()
	busy := r.OpenSystem()
	open := r.OpenSystem()
	txn, err := open.Begin("long edit")
	require.NoError(t, err)

	c.Advance(45 * time.Second)
	_, err = r.Get(busy.ID)
	require.NoError(t, err)
	c.Advance(30 * time.Second)

	assert.Equal(t, []string{idle.ID}, r.Sweep())
	assert.Equal(t, tx.StateOpen, txn.State())
	assert.Equal(t, 2, r.Count())
	_, err = r.Get(open.ID)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	require.NoError(t, r.SweepTask(context.Background(), nil))
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, tx.StateOpen, txn.State())

	// Once the transaction ends the session idles out like any other.
	open.Abort()
	c.Advance(2 * time.Minute)
	assert.Equal(t, []string{open.ID}, r.Sweep())
	assert.Equal(t, 0, r.Count())
}

// TestSessionAccessControl tests that session transactions carry the
// principal into access checks.
func TestSessionAccessControl(t *testing.T) {
	st := store.New(schema.Default())
	cfg := acl.NewConfig()
	cfg.AddRule(acl.NewRule("authenticated", acl.View, "*"))
	p := password.DefaultPolicy()
	p.BcryptCost = bcrypt.MinCost
	m, err := tx.NewManager(tx.Options{
		Store:      st,
		Namespaces: namespace.New(st.Schema()),
		Passwords:  password.NewHasher(p),
		Access:     acl.NewEvaluator(cfg, st.Schema()),
	})
	require.NoError(t, err)
	g := addGroup(t, m, "ops", 70)
	addUser(t, m, "alice", 1001, "Secret123", nil)

	r := New(Options{Manager: m})
	s, err := r.Login("alice", "Secret123")
	require.NoError(t, err)

	txn, err := s.Begin("try")
	require.NoError(t, err)
	w, err := txn.EditObject(g)
	require.NoError(t, err)
	err = w.Set(schema.GroupGID, object.Int(71))
	assert.True(t, errs.Is(err, errs.AccessDenied), "got %v", err)
}
