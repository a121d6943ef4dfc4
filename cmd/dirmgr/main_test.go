package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/crypto"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/server"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// seedDataDir commits one group and two users and closes the journal
// without a dump, so the data lives only in the journal.
func seedDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.DumpInterval = 0
	cfg.Scheduler.RebuildInterval = 0
	cfg.Sessions.SweepInterval = 0
	require.NoError(t, cfg.Validate())

	srv, err := server.New(cfg, server.Options{})
	require.NoError(t, err)

	sess := srv.Sessions().OpenSystem()
	txn, err := sess.Begin("seed")
	require.NoError(t, err)
	g, err := txn.CreateObject(schema.GroupType)
	require.NoError(t, err)
	require.NoError(t, g.Set(schema.GroupName, object.String("staff")))
	require.NoError(t, g.Set(schema.GroupGID, object.Int(100)))
	for i, name := range []string{"alice", "bob"} {
		u, err := txn.CreateObject(schema.UserType)
		require.NoError(t, err)
		require.NoError(t, u.Set(schema.UserUsername, object.String(name)))
		require.NoError(t, u.Set(schema.UserUID, object.Int(int64(1001+i))))
		require.NoError(t, u.Set(schema.UserGroups, object.Ref(g.Handle())))
	}
	require.NoError(t, sess.Commit())
	require.NoError(t, srv.Storage().Close())
	return dir
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "", "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "dirmgr version "+version)

	code, out, _ = runCLI(t, "", "version", "--short")
	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", out)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "", "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestHelp(t *testing.T) {
	code, out, _ := runCLI(t, "", "--help")
	assert.Equal(t, 0, code)
	for _, sub := range []string{"serve", "dump", "verify", "query", "reload", "keygen", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestQueryCommand(t *testing.T) {
	dir := seedDataDir(t)

	code, out, errOut := runCLI(t, "", "query", "--data-dir", dir, "select username, uid from user where uid >= 1002")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "1002")
	assert.NotContains(t, out, "alice")

	code, out, errOut = runCLI(t, `select * from object where username starts "a"`, "query", "--data-dir", dir, "--type", "user", "--count")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "1\n", out)

	code, _, errOut = runCLI(t, "", "query", "--data-dir", dir, "select from")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")

	code, _, _ = runCLI(t, "", "query", "--data-dir", dir, "--type", "printer", "select * from object")
	assert.Equal(t, 1, code)
}

func TestVerifyCommand(t *testing.T) {
	dir := seedDataDir(t)

	code, out, errOut := runCLI(t, "", "verify", "--data-dir", dir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Checked 3 objects at sequence 1")
	assert.Contains(t, out, "OK")
}

func TestDumpCommand(t *testing.T) {
	dir := seedDataDir(t)

	code, out, errOut := runCLI(t, "", "dump", "--data-dir", dir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Objects:    3")
	assert.Contains(t, out, "Replayed:   1 journal entries")

	// The second run finds everything in the dump.
	code, out, errOut = runCLI(t, "", "dump", "--data-dir", dir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Replayed:   0 journal entries")

	code, out, _ = runCLI(t, "", "query", "--data-dir", dir, "--count", "select * from user")
	require.Equal(t, 0, code)
	assert.Equal(t, "2\n", out)
}

func TestKeygenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.key")

	code, out, errOut := runCLI(t, "", "keygen", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Key written: "+path)
	first, err := crypto.LoadKey(path)
	require.NoError(t, err)

	code, _, errOut = runCLI(t, "", "keygen", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "already exists")

	code, _, errOut = runCLI(t, "", "keygen", "--force", path)
	require.Equal(t, 0, code, errOut)
	second, err := crypto.LoadKey(path)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestEncryptedDataDir(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "storage.key")
	code, _, errOut := runCLI(t, "", "keygen", keyFile)
	require.Equal(t, 0, code, errOut)

	t.Setenv("DIRMGR_KEY_FILE", keyFile)
	dir := seedDataDir(t)

	code, out, errOut := runCLI(t, "", "dump", "--data-dir", dir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Objects:    3")

	code, out, errOut = runCLI(t, "", "query", "--data-dir", dir, "--count", "select * from user")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "2\n", out)

	t.Setenv("DIRMGR_KEY_FILE", "")
	code, _, errOut = runCLI(t, "", "verify", "--data-dir", dir)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "encrypted")
}

func TestLoadConfigPrecedence(t *testing.T) {
	fileDir := t.TempDir()
	flagDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "dirmgr.yaml")
	data := fmt.Sprintf("storage:\n  dataDir: %s\nlogging:\n  level: debug\n  format: text\n", fileDir)
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	g := &globalFlags{configFile: path}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, fileDir, cfg.Storage.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	g.dataDir = flagDir
	g.logLevel = "warn"
	t.Setenv("DIRMGR_LOG_LEVEL", "error")
	cfg, err = g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, flagDir, cfg.Storage.DataDir)
	assert.Equal(t, "error", cfg.Logging.Level)

	g = &globalFlags{configFile: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err = g.loadConfig()
	assert.ErrorIs(t, err, config.ErrFileNotFound)

	g = &globalFlags{dataDir: "relative/path"}
	_, err = g.loadConfig()
	assert.Error(t, err)
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()

	_, err := readPIDFile(filepath.Join(dir, "none.pid"))
	assert.ErrorContains(t, err, "not found")

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("abc\n"), 0644))
	_, err = readPIDFile(bad)
	assert.ErrorContains(t, err, "invalid PID")

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte("4242\n"), 0644))
	pid, err := readPIDFile(good)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestReloadCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "", "reload", "schema")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown component")

	code, _, errOut = runCLI(t, "", "reload", "acl", "--pid-file", filepath.Join(t.TempDir(), "x.pid"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "PID file not found")
}

func daemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.DumpInterval = 0
	cfg.Scheduler.RebuildInterval = 0
	cfg.Scheduler.ShutdownGrace = 2 * time.Second
	cfg.Sessions.SweepInterval = 0
	cfg.Server.AdminAddress = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestDaemonStartStop(t *testing.T) {
	cfg := daemonConfig(t)
	pidFile := filepath.Join(t.TempDir(), "dirmgr.pid")

	d, err := newDaemon(cfg, "", pidFile, logging.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, d.start())

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	resp, err := http.Get("http://" + d.restServer.Addr().String() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Without an ACL file there is nothing to reload.
	d.handleSIGHUP()
	assert.Equal(t, uint64(0), d.srv.ACL().Stats().ReloadCount)

	require.NoError(t, d.stop(context.Background()))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, d.srv.Running())
}

func TestDaemonWithoutAdminAPI(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.Server.AdminAddress = ""

	d, err := newDaemon(cfg, "", "", logging.NewNop(), nil)
	require.NoError(t, err)
	assert.Nil(t, d.restServer)
	require.NoError(t, d.start())
	require.NoError(t, d.stop(context.Background()))
}

func TestDaemonAppliesConfigChanges(t *testing.T) {
	dataDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "dirmgr.yaml")
	base := "storage:\n  dumpInterval: 0s\nscheduler:\n  rebuildInterval: 0s\nsessions:\n  sweepInterval: 0s\n"
	require.NoError(t, os.WriteFile(path, []byte(base), 0600))

	g := &globalFlags{configFile: path, dataDir: dataDir}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	cfg.Server.AdminAddress = ""

	d, err := newDaemon(cfg, path, "", logging.NewNop(), func(c *config.Config) {
		g.applyOverrides(c)
		c.Server.AdminAddress = ""
	})
	require.NoError(t, err)
	require.NoError(t, d.start())
	t.Cleanup(func() { d.stop(context.Background()) })
	assert.Equal(t, 0, d.srv.ACL().Stats().RuleCount)

	rules := "acl:\n  rules:\n    - subject: authenticated\n      rights: [view]\n"
	require.NoError(t, os.WriteFile(path, []byte(base+rules), 0600))

	require.Eventually(t, func() bool {
		return d.srv.ACL().Stats().RuleCount == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, dataDir, d.configManager.GetConfig().Storage.DataDir)
}

func TestDaemonReloadsACLFile(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.Server.AdminAddress = ""
	cfg.ACL.File = filepath.Join(t.TempDir(), "acl.yaml")
	one := "version: 1\ndefault_policy: deny\nrules:\n  - subject: authenticated\n    rights: [view]\n"
	require.NoError(t, os.WriteFile(cfg.ACL.File, []byte(one), 0600))

	d, err := newDaemon(cfg, "", "", logging.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, d.start())
	t.Cleanup(func() { d.stop(context.Background()) })
	require.NotNil(t, d.aclWatcher)
	assert.Equal(t, 1, d.srv.ACL().Stats().RuleCount)

	d.handleSIGHUP()
	assert.Equal(t, uint64(1), d.srv.ACL().Stats().ReloadCount)

	two := one + "  - subject: admin\n    rights: [all]\n"
	require.NoError(t, os.WriteFile(cfg.ACL.File, []byte(two), 0600))
	require.Eventually(t, func() bool {
		return d.srv.ACL().Stats().RuleCount == 2
	}, 5*time.Second, 50*time.Millisecond)
}
