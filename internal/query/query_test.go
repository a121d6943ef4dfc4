package query

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

type fixture struct {
	st  *store.Store
	seq uint64
}

func newFixture() *fixture {
	return &fixture{st: store.New(schema.Default())}
}

func (f *fixture) create(t *testing.T, typ object.TypeID, fields map[object.FieldID][]object.Value) object.Handle {
	t.Helper()
	h := object.Handle{Type: typ, ID: f.st.AllocateID(typ)}
	f.seq++
	require.NoError(t, f.st.ApplyCommit(&object.Delta{
		Seq:     f.seq,
		Time:    time.Now(),
		Changes: []object.Change{{Op: object.OpCreate, Handle: h, Fields: fields}},
	}))
	return h
}

func (f *fixture) user(t *testing.T, name string, uid int64, shell string) object.Handle {
	t.Helper()
	fields := map[object.FieldID][]object.Value{
		schema.UserUsername: {object.String(name)},
		schema.UserUID:      {object.Int(uid)},
	}
	if shell != "" {
		fields[schema.UserShell] = []object.Value{object.String(shell)}
	}
	return f.create(t, schema.UserType, fields)
}

// populate adds five users, two of which are bash users above uid 1000.
func (f *fixture) populate(t *testing.T) []object.Handle {
	return []object.Handle{
		f.user(t, "root", 0, "/bin/bash"),
		f.user(t, "alice", 1001, "/bin/bash"),
		f.user(t, "bob", 1002, "/bin/zsh"),
		f.user(t, "carol", 1003, "/bin/bash"),
		f.user(t, "daemon", 2, "/usr/sbin/nologin"),
	}
}

// TestQuerySelectsMatchingUsers tests the canonical selection in store
// order.
func TestQuerySelectsMatchingUsers(t *testing.T) {
	f := newFixture()
	users := f.populate(t)
	e := NewEngine(f.st, Options{ChunkSize: 2})

	res, err := e.Query(context.Background(), schema.UserType,
		`select username from object where uid > 1000 and shell == "/bin/bash"`)
	require.NoError(t, err)
	assert.Equal(t, []object.Handle{users[1], users[3]}, res.Handles)
	assert.Equal(t, []string{"username"}, res.Fields)
	assert.Equal(t, f.st.Seq(), res.Seq)

	rows := e.Rows(res)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0][0][0].Str)
	assert.Equal(t, "carol", rows[1][0][0].Str)
}

// TestOperators tests each operator against the five users.
func TestOperators(t *testing.T) {
	f := newFixture()
	users := f.populate(t)
	e := NewEngine(f.st, Options{})

	tests := []struct {
		where string
		want  []int
	}{
		{`username == "alice"`, []int{1}},
		{`username ==_ci "ALICE"`, []int{1}},
		{`username == "ALICE"`, nil},
		{`username =~ "^[a-c]"`, []int{1, 2, 3}},
		{`username =~_ci "^ROOT$"`, []int{0}},
		{`uid < 1000`, []int{0, 4}},
		{`uid <= 1001`, []int{0, 1, 4}},
		{`uid >= 1002`, []int{2, 3}},
		{`uid > 1001.5`, []int{2, 3}},
		{`uid == "1003"`, []int{3}},
		{`username starts "da"`, []int{4}},
		{`shell ends "sh"`, []int{0, 1, 2, 3}},
		{`username len< 4`, []int{2}},
		{`username len<= 4`, []int{0, 2}},
		{`username len> 5`, []int{4}},
		{`username len>= 5`, []int{1, 3, 4}},
		{`username len== 3`, []int{2}},
		{`home defined`, nil},
		{`not home defined`, []int{0, 1, 2, 3, 4}},
		{`shell == "/bin/zsh" or uid == 0`, []int{0, 2}},
		{`not (shell == "/bin/bash" or shell == "/bin/zsh")`, []int{4}},
		{`uid > 1000 and (username == "bob" or username == "carol")`, []int{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			res, err := e.Query(context.Background(), schema.UserType, "select * from user where "+tt.where)
			require.NoError(t, err)
			var want []object.Handle
			for _, i := range tt.want {
				want = append(want, users[i])
			}
			if want == nil {
				assert.Empty(t, res.Handles)
			} else {
				assert.Equal(t, want, res.Handles)
			}
		})
	}
}

// TestTypeMismatchIsFalse tests that a literal with no reading of the
// field's kind makes the term false.
func TestTypeMismatchIsFalse(t *testing.T) {
	f := newFixture()
	f.populate(t)
	e := NewEngine(f.st, Options{})

	for _, where := range []string{`uid == "alice"`, `uid == true`, `disabled < true`, `username > 1000`, `username >= 0`, `username == 5`, `username < 5 and uid == "x"`} {
		res, err := e.Query(context.Background(), schema.UserType, "select * from object where "+where)
		require.NoError(t, err, where)
		assert.Empty(t, res.Handles, where)
	}
}

// TestTextOperatorsOnNumbers tests that string operators see the decimal
// form of integers.
func TestTextOperatorsOnNumbers(t *testing.T) {
	f := newFixture()
	users := f.populate(t)
	e := NewEngine(f.st, Options{})

	res, err := e.Query(context.Background(), schema.UserType, `select * from object where uid starts "100" and uid len== 4`)
	require.NoError(t, err)
	assert.Equal(t, users[1:4], res.Handles)
}

// TestReferencePaths tests -> paths, vector fields and unresolved
// references.
func TestReferencePaths(t *testing.T) {
	f := newFixture()
	users := f.populate(t)

	web := f.create(t, schema.SystemType, map[object.FieldID][]object.Value{
		schema.SystemHostname: {object.String("web")},
		schema.SystemOwner:    {object.Ref(users[1])},
		schema.SystemIP: {
			object.IP(netip.MustParseAddr("10.0.0.5")),
			object.IP(netip.MustParseAddr("192.168.1.5")),
		},
	})
	db := f.create(t, schema.SystemType, map[object.FieldID][]object.Value{
		schema.SystemHostname: {object.String("db")},
		schema.SystemOwner:    {object.Ref(object.Handle{Type: schema.UserType, ID: 999})},
		schema.SystemIP:       {object.IP(netip.MustParseAddr("10.0.0.9"))},
	})
	e := NewEngine(f.st, Options{})

	query := func(where string) []object.Handle {
		res, err := e.Query(context.Background(), schema.SystemType, "select hostname from system where "+where)
		require.NoError(t, err, where)
		return res.Handles
	}

	assert.Equal(t, []object.Handle{web}, query(`owner->username == "alice"`))
	assert.Equal(t, []object.Handle{web}, query(`owner->uid > 1000`))
	assert.Equal(t, []object.Handle{web, db}, query(`owner defined`))
	assert.Equal(t, []object.Handle{web}, query(`owner->username defined`))
	assert.Empty(t, query(`not owner->uid > 0 and hostname == "web"`))
	assert.Equal(t, []object.Handle{db}, query(`not owner->uid > 0`))
	assert.Equal(t, []object.Handle{web}, query(`ip == "192.168.1.5"`))
	assert.Equal(t, []object.Handle{web, db}, query(`ip < "10.0.0.6" or ip == "10.0.0.9"`))
	assert.Equal(t, []object.Handle{web}, query(`owner == "`+users[1].String()+`"`))
}

// TestDates tests date literals.
func TestDates(t *testing.T) {
	f := newFixture()
	early := f.create(t, schema.UserType, map[object.FieldID][]object.Value{
		schema.UserUsername: {object.String("early")},
		schema.UserUID:      {object.Int(1)},
		schema.UserExpires:  {object.Date(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))},
	})
	late := f.create(t, schema.UserType, map[object.FieldID][]object.Value{
		schema.UserUsername: {object.String("late")},
		schema.UserUID:      {object.Int(2)},
		schema.UserExpires:  {object.Date(time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC))},
	})
	e := NewEngine(f.st, Options{})

	res, err := e.Query(context.Background(), schema.UserType, `select * from object where expires < "2025-01-01"`)
	require.NoError(t, err)
	assert.Equal(t, []object.Handle{early}, res.Handles)

	res, err = e.Query(context.Background(), schema.UserType, `select * from object where expires >= "2025-01-01"`)
	require.NoError(t, err)
	assert.Equal(t, []object.Handle{late}, res.Handles)
}

// TestSyntaxErrors tests that malformed queries report a position.
func TestSyntaxErrors(t *testing.T) {
	f := newFixture()
	e := NewEngine(f.st, Options{})

	tests := []struct {
		query string
		pos   int
	}{
		{`select username from object where`, 33},
		{`select username from object where uid >`, 39},
		{`select username from object where (uid > 1`, 34},
		{`select username from object where uid ~ 1`, 38},
		{`select username from object where nosuch == 1`, 34},
		{`select nosuch from object`, 7},
		{`select username from nosuch`, 21},
		{`select username from group`, 21},
		{`select username from object where username =~ "("`, 46},
		{`select username from object where username len< "x"`, 48},
		{`select username from object where uid > 1 extra`, 42},
		{`select username from object where username == "open`, 46},
		{`username == "x"`, 0},
		{`select username from object where username->uid == 1`, 34},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, err := e.Query(context.Background(), schema.UserType, tt.query)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.QuerySyntaxError), "got %v", err)
			e, ok := errs.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.pos, e.Pos)
		})
	}
}

// TestParseRoundTrip tests operator precedence in the parsed tree.
func TestParseRoundTrip(t *testing.T) {
	q, err := Parse(`SELECT a, b FROM user WHERE x == 1 or y == 2 and not z defined`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, q.Fields)
	assert.Equal(t, "user", q.From)
	assert.Equal(t, `(x == 1 or (y == 2 and not z defined))`, q.Where.String())

	q, err = Parse(`select * from object`)
	require.NoError(t, err)
	assert.Nil(t, q.Fields)
	assert.Nil(t, q.Where)
}

// TestQueryText tests queries that name their type.
func TestQueryText(t *testing.T) {
	f := newFixture()
	users := f.populate(t)
	e := NewEngine(f.st, Options{})

	res, err := e.QueryText(context.Background(), `select * from user where username == "bob"`)
	require.NoError(t, err)
	assert.Equal(t, schema.UserType, res.Type)
	assert.Equal(t, []object.Handle{users[2]}, res.Handles)
	assert.Len(t, res.Fields, 10)

	_, err = e.QueryText(context.Background(), `select * from object`)
	assert.True(t, errs.Is(err, errs.QuerySyntaxError))
}

// TestPredicate tests bare predicates as used by export filters.
func TestPredicate(t *testing.T) {
	f := newFixture()
	users := f.populate(t)
	s := f.st.Schema()
	typ, err := s.Type(schema.UserType)
	require.NoError(t, err)

	plan, err := CompilePredicate(s, typ, `uid == 1002`)
	require.NoError(t, err)
	snap := f.st.Snapshot()
	bob, ok := snap.Get(users[2])
	require.True(t, ok)
	alice, ok := snap.Get(users[1])
	require.True(t, ok)
	assert.True(t, plan.Match(snap, bob))
	assert.False(t, plan.Match(snap, alice))
	assert.Empty(t, plan.Fields)
}

// TestCancelledQuery tests that a cancelled context aborts evaluation.
func TestCancelledQuery(t *testing.T) {
	f := newFixture()
	f.populate(t)
	e := NewEngine(f.st, Options{ChunkSize: 1, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Query(ctx, schema.UserType, `select * from object`)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
