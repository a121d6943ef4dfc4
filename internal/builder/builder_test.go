package builder

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

type fields = map[object.FieldID][]object.Value

func commit(t *testing.T, st *store.Store, changes ...object.Change) *object.Delta {
	t.Helper()
	d := &object.Delta{Seq: st.Seq() + 1, Time: time.Now(), Changes: changes}
	require.NoError(t, st.ApplyCommit(d))
	return d
}

func create(t *testing.T, st *store.Store, typ object.TypeID, f fields) object.Handle {
	t.Helper()
	h := object.Handle{Type: typ, ID: st.AllocateID(typ)}
	commit(t, st, object.Change{Op: object.OpCreate, Handle: h, Fields: f})
	return h
}

func ip(s string) object.Value {
	return object.IP(netip.MustParseAddr(s))
}

func hostsStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(schema.Default())
	eth0 := create(t, st, schema.InterfaceType, fields{
		schema.InterfaceName: {object.String("eth0")},
		schema.InterfaceIP:   {ip("10.0.1.5")},
	})
	create(t, st, schema.SystemType, fields{
		schema.SystemHostname:   {object.String("web")},
		schema.SystemIP:         {ip("10.0.0.5")},
		schema.SystemAliases:    {object.String("www")},
		schema.SystemInterfaces: {object.Ref(eth0)},
	})
	create(t, st, schema.SystemType, fields{
		schema.SystemHostname: {object.String("db")},
		schema.SystemIP:       {ip("10.0.0.9")},
	})
	return st
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// TestHostsBuilder tests the stock hosts template.
func TestHostsBuilder(t *testing.T) {
	st := hostsStore(t)
	out := filepath.Join(t.TempDir(), "etc", "hosts")
	b, err := New(st, Spec{Name: "hosts", Template: "hosts", Output: out}, Options{})
	require.NoError(t, err)

	outcome, err := b.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuilt, outcome)
	assert.Equal(t, `# generated at seq 3; do not edit
127.0.0.1	localhost
10.0.0.5	web www
10.0.1.5	web-eth0
10.0.0.9	db
`, readFile(t, out))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, DefaultMode, info.Mode().Perm())
}

// TestSkipUnlessChanged tests change tracking and forcebuild.
func TestSkipUnlessChanged(t *testing.T) {
	st := hostsStore(t)
	out := filepath.Join(t.TempDir(), "hosts")
	b, err := New(st, Spec{Name: "hosts", Template: "hosts", Output: out}, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, b.Stale())
	outcome, err := b.Build(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuilt, outcome)
	assert.False(t, b.Stale())

	outcome, err = b.Build(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	outcome, err = b.Build(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	// Users are not watched.
	create(t, st, schema.UserType, fields{
		schema.UserUsername: {object.String("alice")},
		schema.UserUID:      {object.Int(1001)},
	})
	assert.False(t, b.Stale())

	create(t, st, schema.SystemType, fields{
		schema.SystemHostname: {object.String("mail")},
		schema.SystemIP:       {ip("10.0.0.25")},
	})
	assert.True(t, b.Stale())
	outcome, err = b.Build(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuilt, outcome)
	assert.Contains(t, readFile(t, out), "10.0.0.25\tmail\n")

	status := b.Status()
	assert.Equal(t, uint64(3), status.Builds)
	assert.Equal(t, OutcomeBuilt, status.LastOutcome)
	assert.Equal(t, []string{"system", "interface"}, status.Types)
	assert.False(t, status.Stale)
}

func accountsStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(schema.Default())
	staff := create(t, st, schema.GroupType, fields{
		schema.GroupName: {object.String("staff")},
		schema.GroupGID:  {object.Int(100)},
	})
	create(t, st, schema.GroupType, fields{
		schema.GroupName: {object.String("empty")},
		schema.GroupGID:  {object.Int(200)},
	})
	create(t, st, schema.UserType, fields{
		schema.UserUsername: {object.String("alice")},
		schema.UserUID:      {object.Int(1001)},
		schema.UserShell:    {object.String("/bin/bash")},
		schema.UserHome:     {object.String("/home/alice")},
		schema.UserFullName: {object.String("Alice A")},
		schema.UserGroups:   {object.Ref(staff)},
	})
	create(t, st, schema.UserType, fields{
		schema.UserUsername: {object.String("bob")},
		schema.UserUID:      {object.Int(1002)},
		schema.UserGroups:   {object.Ref(staff)},
		schema.UserDisabled: {object.Bool(true)},
	})
	create(t, st, schema.UserType, fields{
		schema.UserUsername: {object.String("svc")},
		schema.UserUID:      {object.Int(500)},
	})
	return st
}

// TestAccountTemplates tests the passwd and group templates.
func TestAccountTemplates(t *testing.T) {
	st := accountsStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	passwd, err := New(st, Spec{Name: "passwd", Template: "passwd", Output: filepath.Join(dir, "passwd")}, Options{})
	require.NoError(t, err)
	_, err = passwd.Build(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, `alice:x:1001:100:Alice A:/home/alice:/bin/bash
bob:x:1002:100:::/usr/sbin/nologin
svc:x:500:500:::/usr/sbin/nologin
`, readFile(t, filepath.Join(dir, "passwd")))

	group, err := New(st, Spec{Name: "group", Template: "group", Output: filepath.Join(dir, "group")}, Options{})
	require.NoError(t, err)
	_, err = group.Build(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "staff:x:100:alice,bob\nempty:x:200:\n", readFile(t, filepath.Join(dir, "group")))
}

// TestFilterAndCustomTemplate tests a filtered builder with inline text.
func TestFilterAndCustomTemplate(t *testing.T) {
	st := accountsStore(t)
	out := filepath.Join(t.TempDir(), "active")
	b, err := New(st, Spec{
		Name:         "active",
		Types:        []string{"user"},
		TemplateText: `{{range .Of "user"}}{{.Get "username"}} {{end}}`,
		Filter:       `not disabled == true and uid >= 1000`,
		Output:       out,
		Mode:         0o600,
	}, Options{})
	require.NoError(t, err)

	_, err = b.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "alice ", readFile(t, out))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// TestInvalidSpecs tests spec validation.
func TestInvalidSpecs(t *testing.T) {
	st := store.New(schema.Default())
	out := filepath.Join(t.TempDir(), "x")

	specs := []Spec{
		{Template: "hosts", Output: out},
		{Name: "a", Template: "hosts"},
		{Name: "a", Output: out},
		{Name: "a", Template: "nosuch", Output: out},
		{Name: "a", TemplateText: "x", Output: out},
		{Name: "a", TemplateText: "x", Types: []string{"nosuch"}, Output: out},
		{Name: "a", TemplateText: "{{", Types: []string{"user"}, Output: out},
		{Name: "a", Template: "passwd", Filter: "uid >", Output: out},
		{Name: "a", TemplateFile: filepath.Join(t.TempDir(), "missing"), Types: []string{"user"}, Output: out},
	}
	for i, spec := range specs {
		_, err := New(st, spec, Options{})
		assert.ErrorIs(t, err, ErrInvalidSpec, "spec %d", i)
	}
}

// TestSetAffected tests that commits demand only watching builders.
func TestSetAffected(t *testing.T) {
	st := accountsStore(t)
	dir := t.TempDir()
	set := NewSet()
	for _, name := range StockTemplates() {
		b, err := New(st, Spec{Name: name, Template: name, Output: filepath.Join(dir, name)}, Options{})
		require.NoError(t, err)
		require.NoError(t, set.Add(b))
	}
	dup, err := New(st, Spec{Name: "hosts", Template: "hosts", Output: filepath.Join(dir, "h")}, Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, set.Add(dup), ErrInvalidSpec)

	assert.Equal(t, []string{"auto.home", "group", "hosts", "passwd"}, set.Names())

	d := &object.Delta{Changes: []object.Change{{Handle: object.Handle{Type: schema.UserType, ID: 1}}}}
	assert.Equal(t, []string{"group", "passwd"}, set.Affected(d))

	d = &object.Delta{Changes: []object.Change{{Handle: object.Handle{Type: schema.InterfaceType, ID: 1}}}}
	assert.Equal(t, []string{"hosts"}, set.Affected(d))

	b, ok := set.Get("passwd")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "passwd"), b.Output())
}

// TestScheduledForceBuild tests builders running as scheduler tasks.
func TestScheduledForceBuild(t *testing.T) {
	st := hostsStore(t)
	out := filepath.Join(t.TempDir(), "hosts")
	b, err := New(st, Spec{Name: "hosts", Template: "hosts", Output: out}, Options{})
	require.NoError(t, err)
	set := NewSet()
	require.NoError(t, set.Add(b))

	s := scheduler.New(scheduler.Options{})
	require.NoError(t, set.Register(s))
	require.NoError(t, s.Start())
	defer s.Shutdown()

	require.NoError(t, s.Demand("hosts"))
	require.Eventually(t, func() bool { return b.Status().Builds == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Demand("hosts", scheduler.OptionForceBuild))
	require.Eventually(t, func() bool { return b.Status().LastOutcome == OutcomeUnchanged }, 5*time.Second, 5*time.Millisecond)
}

// TestMinInterval tests that throttled builds wait and honour
// cancellation.
func TestMinInterval(t *testing.T) {
	st := hostsStore(t)
	out := filepath.Join(t.TempDir(), "hosts")
	b, err := New(st, Spec{Name: "hosts", Template: "hosts", Output: out, MinInterval: time.Hour}, Options{})
	require.NoError(t, err)

	_, err = b.Build(context.Background(), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := b.Build(ctx, true)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.False(t, errors.Is(err, ErrInvalidSpec))
}
