package server

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.DumpInterval = 0
	cfg.Scheduler.RebuildInterval = 0
	cfg.Scheduler.ShutdownGrace = 2 * time.Second
	cfg.Sessions.SweepInterval = 0
	cfg.Password.BcryptCost = 4
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	require.NoError(t, cfg.Validate())
	s, err := New(cfg, Options{})
	require.NoError(t, err)
	return s
}

func addSystem(t *testing.T, s *Server, hostname, addr string) object.Handle {
	t.Helper()
	sess := s.Sessions().OpenSystem()
	defer s.Sessions().Logout(sess.ID)

	txn, err := sess.Begin("add " + hostname)
	require.NoError(t, err)
	w, err := txn.CreateObject(schema.SystemType)
	require.NoError(t, err)
	require.NoError(t, w.Set(schema.SystemHostname, object.String(hostname)))
	require.NoError(t, w.Set(schema.SystemIP, object.IP(netip.MustParseAddr(addr))))
	require.NoError(t, sess.Commit())
	return w.Handle()
}

// TestCommitDemandsBuilder tests that a commit touching a watched type
// rebuilds the export file.
func TestCommitDemandsBuilder(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "hosts")
	cfg.Builders = []config.BuilderConfig{
		{Name: "hosts", Template: "hosts", Output: out},
		{Name: "passwd", Template: "passwd", Output: filepath.Join(t.TempDir(), "passwd")},
	}
	s := newServer(t, cfg)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrServerAlreadyRunning)

	addSystem(t, s, "web", "10.0.0.5")

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.Contains(string(data), "10.0.0.5\tweb")
	}, 5*time.Second, 10*time.Millisecond)

	st, err := s.Scheduler().TaskStatus("passwd")
	require.NoError(t, err)
	assert.Zero(t, st.Runs, "passwd does not watch systems")

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Stop(context.Background()), ErrServerNotRunning)
}

// TestStopDumpsAndReloads tests that a restart restores the committed
// state from the dump written at shutdown.
func TestStopDumpsAndReloads(t *testing.T) {
	cfg := testConfig(t)
	s := newServer(t, cfg)
	require.NoError(t, s.Start())
	web := addSystem(t, s, "web", "10.0.0.5")
	addSystem(t, s, "db", "10.0.0.9")
	before := s.Store().Objects()
	require.NoError(t, s.Stop(context.Background()))

	_, err := os.Stat(filepath.Join(cfg.Storage.DataDir, cfg.Storage.DumpFile))
	require.NoError(t, err)

	s2 := newServer(t, cfg)
	defer s2.Close()
	assert.Equal(t, uint64(2), s2.LoadInfo().DumpWatermark)
	assert.Zero(t, s2.LoadInfo().Replayed)
	if diff := cmp.Diff(before, s2.Store().Objects(), addrComparer); diff != "" {
		t.Errorf("restored store differs (-want +got):\n%s", diff)
	}

	h, ok := s2.Namespaces().Lookup("hostname", object.String("WEB"))
	require.True(t, ok, "namespaces are rebuilt on load")
	assert.Equal(t, web, h)
}

// TestJournalReplayWithoutDump tests recovery when the server never
// stopped cleanly.
func TestJournalReplayWithoutDump(t *testing.T) {
	cfg := testConfig(t)
	s := newServer(t, cfg)
	addSystem(t, s, "web", "10.0.0.5")
	before := s.Store().Objects()
	require.NoError(t, s.Storage().Close())

	s2 := newServer(t, cfg)
	defer s2.Close()
	assert.Equal(t, 1, s2.LoadInfo().Replayed)
	if diff := cmp.Diff(before, s2.Store().Objects(), addrComparer); diff != "" {
		t.Errorf("replayed store differs (-want +got):\n%s", diff)
	}
}

// TestDumpTask tests the dump-if-dirty maintenance task.
func TestDumpTask(t *testing.T) {
	cfg := testConfig(t)
	s := newServer(t, cfg)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	assert.True(t, s.Storage().IsClean())
	addSystem(t, s, "web", "10.0.0.5")
	assert.False(t, s.Storage().IsClean())

	require.NoError(t, s.Scheduler().Demand(TaskDump))
	require.Eventually(t, s.Storage().IsClean, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Storage().Journal().Len())

	err := s.dumpTask(context.Background(), &scheduler.Run{Task: TaskDump, Options: []string{OptionForce, OptionArchive}})
	require.NoError(t, err)
	archived, err := os.ReadDir(filepath.Join(cfg.Storage.DataDir, "archive"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

// TestRebuildTask tests that the rebuild task forces every builder.
func TestRebuildTask(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "group")
	cfg.Builders = []config.BuilderConfig{{Name: "group", Template: "group", Output: out}}
	s := newServer(t, cfg)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	require.NoError(t, s.Scheduler().Demand(TaskRebuild))
	require.Eventually(t, func() bool {
		_, err := os.Stat(out)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

// TestRegisteredTasks tests the task set for a given configuration.
func TestRegisteredTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.DumpInterval = time.Minute
	cfg.Sessions.SweepInterval = time.Minute
	s := newServer(t, cfg)
	defer s.Close()

	policies := map[string]scheduler.Policy{}
	for _, st := range s.Scheduler().Status() {
		policies[st.Name] = st.Policy
	}
	assert.Equal(t, map[string]scheduler.Policy{
		TaskDump:    scheduler.Periodic,
		TaskRebuild: scheduler.OnDemand,
		TaskSweep:   scheduler.Periodic,
		TaskGC:      scheduler.OnDemand,
	}, policies)
}

// TestNewRejectsBadBuilders tests that configuration errors surface from
// New.
func TestNewRejectsBadBuilders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Builders = []config.BuilderConfig{{Name: "x", Template: "nosuch", Output: "/tmp/x"}}
	_, err := New(cfg, Options{})
	assert.Error(t, err)

	_, err = New(nil, Options{})
	assert.ErrorIs(t, err, ErrNilConfig)
}

// TestApplyConfig tests the hot reload of inline ACL rules.
func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	s := newServer(t, cfg)
	defer s.Close()

	alice := &acl.Principal{Name: "alice", Handle: object.Handle{Type: schema.UserType, ID: 1}}
	target := object.Handle{Type: schema.SystemType, ID: 1}
	assert.False(t, s.ACL().CheckAccess(alice, target, 0, acl.View))

	next := testConfig(t)
	next.Storage = cfg.Storage
	next.ACL.Rules = []config.ACLRuleConfig{{Subject: "authenticated", Types: []string{"system"}, Rights: []string{"view"}}}
	s.ApplyConfig(cfg, next)
	assert.True(t, s.ACL().CheckAccess(alice, target, 0, acl.View))
	assert.Same(t, next, s.Config())

	bad := testConfig(t)
	bad.Storage = cfg.Storage
	bad.ACL.Rules = []config.ACLRuleConfig{{Subject: "authenticated", Types: []string{"printer"}, Rights: []string{"view"}}}
	s.ApplyConfig(next, bad)
	assert.True(t, s.ACL().CheckAccess(alice, target, 0, acl.View), "rejected rules leave the old ones")
}

// TestVerify tests the integrity report.
func TestVerify(t *testing.T) {
	st := store.New(schema.Default())
	seq := uint64(0)
	commit := func(changes ...object.Change) {
		seq++
		require.NoError(t, st.ApplyCommit(&object.Delta{Seq: seq, Time: time.Now(), Changes: changes}))
	}
	h := func(typ object.TypeID, id uint32) object.Handle { return object.Handle{Type: typ, ID: id} }

	commit(
		object.Change{Op: object.OpCreate, Handle: h(schema.UserType, 1), Fields: map[object.FieldID][]object.Value{
			schema.UserUsername: {object.String("alice")},
			schema.UserUID:      {object.Int(1001)},
			schema.UserGroups:   {object.Ref(h(schema.GroupType, 9))},
		}},
		object.Change{Op: object.OpCreate, Handle: h(schema.UserType, 2), Fields: map[object.FieldID][]object.Value{
			schema.UserUsername: {object.String("alice")},
		}},
		object.Change{Op: object.OpCreate, Handle: h(schema.InterfaceType, 1), Fields: map[object.FieldID][]object.Value{
			schema.InterfaceName: {object.String("eth0")},
		}},
		object.Change{Op: object.OpCreate, Handle: h(schema.InterfaceType, 2), Fields: map[object.FieldID][]object.Value{
			schema.InterfaceName: {object.String("eth1")},
		}},
		object.Change{Op: object.OpCreate, Handle: h(schema.SystemType, 1), Fields: map[object.FieldID][]object.Value{
			schema.SystemHostname:   {object.String("web")},
			schema.SystemOwner:      {object.Ref(h(schema.GroupType, 1))},
			schema.SystemInterfaces: {object.Ref(h(schema.InterfaceType, 1))},
		}},
	)

	r := Verify(st)
	assert.False(t, r.OK())
	assert.Equal(t, 5, r.Objects)
	require.Len(t, r.Duplicates, 1)
	assert.Equal(t, "username", r.Duplicates[0].Namespace)
	assert.ElementsMatch(t, []Dangling{
		{From: h(schema.UserType, 1), Field: "groups", To: h(schema.GroupType, 9)},
		{From: h(schema.SystemType, 1), Field: "owner", To: h(schema.GroupType, 1)},
	}, r.Dangling)
	assert.Equal(t, []Missing{{Object: h(schema.UserType, 2), Field: "uid"}}, r.Missing)
	assert.Equal(t, []object.Handle{h(schema.InterfaceType, 2)}, r.Orphans)

	clean := store.New(schema.Default())
	assert.True(t, Verify(clean).OK())
}
