package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/server"
)

const testPassword = "Passw0rdX"

type fixture struct {
	srv   *server.Server
	api   *Server
	http  *httptest.Server
	alice object.Handle
	root  object.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.DumpInterval = 0
	cfg.Scheduler.RebuildInterval = 0
	cfg.Sessions.SweepInterval = 0
	cfg.Password.BcryptCost = 4
	cfg.Server.JWTSecret = "0123456789abcdef0123"
	cfg.Server.RateLimit = 0
	cfg.ACL.Rules = []config.ACLRuleConfig{
		{Subject: "authenticated", Types: []string{"user"}, Fields: []string{"uid"}, Rights: []string{"view"}, Deny: true},
		{Subject: "authenticated", Rights: []string{"view"}},
	}
	require.NoError(t, cfg.Validate())

	srv, err := server.New(cfg, server.Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	f := &fixture{srv: srv}
	sess := srv.Sessions().OpenSystem()
	txn, err := sess.Begin("fixture")
	require.NoError(t, err)

	wheel, err := txn.CreateObject(schema.GroupType)
	require.NoError(t, err)
	require.NoError(t, wheel.Set(schema.GroupName, object.String("wheel")))
	require.NoError(t, wheel.Set(schema.GroupGID, object.Int(0)))

	for _, u := range []struct {
		name  string
		uid   int64
		admin bool
		out   *object.Handle
	}{
		{"alice", 1001, false, &f.alice},
		{"root", 0, true, &f.root},
	} {
		w, err := txn.CreateObject(schema.UserType)
		require.NoError(t, err)
		require.NoError(t, w.Set(schema.UserUsername, object.String(u.name)))
		require.NoError(t, w.Set(schema.UserUID, object.Int(u.uid)))
		require.NoError(t, txn.SetPassword(w, schema.UserPassword, testPassword))
		if u.admin {
			require.NoError(t, w.Set(schema.UserGroups, object.Ref(wheel.Handle())))
		}
		*u.out = w.Handle()
	}
	require.NoError(t, sess.Commit())
	require.NoError(t, srv.Sessions().Logout(sess.ID))

	cm := config.NewConfigManager(cfg, "")
	f.api = NewServer(ConfigFrom(cfg.Server), srv, cm, nil)
	f.http = httptest.NewServer(f.api.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) login(t *testing.T, name string) LoginResponse {
	t.Helper()
	body, err := json.Marshal(LoginRequest{Username: name, Password: testPassword})
	require.NoError(t, err)
	resp := f.do(t, http.MethodPost, "/api/v1/auth/login", "", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out LoginResponse
	decode(t, resp, &out)
	return out
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// TestHealthIsPublic tests that health needs no token.
func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health HealthResponse
	decode(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Version)
	assert.Equal(t, uint64(1), health.Seq)
}

// TestAuthRequired tests requests without a valid token.
func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/types", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/types", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/types", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", testPassword)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/nosuch", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestLogin tests token issue and credential failures.
func TestLogin(t *testing.T) {
	f := newFixture(t)

	alice := f.login(t, "alice")
	assert.NotEmpty(t, alice.Token)
	assert.False(t, alice.Admin)
	assert.True(t, alice.ExpiresAt.After(time.Now()))
	assert.True(t, f.login(t, "root").Admin)
	assert.Equal(t, 2, f.srv.Sessions().Count())

	body := strings.NewReader(`{"username": "alice", "password": "wrong"}`)
	resp := f.do(t, http.MethodPost, "/api/v1/auth/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var e ErrorResponse
	decode(t, resp, &e)
	assert.Equal(t, "invalid_credentials", e.Error)

	resp = f.do(t, http.MethodPost, "/api/v1/auth/login", "", strings.NewReader(`{`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestLogoutRevokesToken tests that a token dies with its session.
func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	resp := f.do(t, http.MethodGet, "/api/v1/types", alice.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/auth/logout", alice.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/types", alice.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestTypes tests the schema listing.
func TestTypes(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	resp := f.do(t, http.MethodGet, "/api/v1/types", alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var types []TypeInfo
	decode(t, resp, &types)

	byName := make(map[string]TypeInfo)
	for _, ti := range types {
		byName[ti.Name] = ti
	}
	require.Contains(t, byName, "user")
	assert.Equal(t, 2, byName["user"].Objects)
	assert.Equal(t, "system", byName["interface"].Container)

	var owner FieldInfo
	for _, fi := range byName["system"].Fields {
		if fi.Name == "owner" {
			owner = fi
		}
	}
	assert.Equal(t, "ref", owner.Kind)
	assert.Equal(t, "user", owner.Target)
}

// TestGetObject tests object reads filtered by the ACL.
func TestGetObject(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	resp := f.do(t, http.MethodGet, "/api/v1/objects/"+f.alice.String(), alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var obj Object
	decode(t, resp, &obj)
	assert.Equal(t, "user", obj.Type)
	assert.Equal(t, []string{"alice"}, obj.Fields["username"])
	assert.Equal(t, []string{"********"}, obj.Fields["password"])
	assert.NotContains(t, obj.Fields, "uid")

	resp = f.do(t, http.MethodGet, "/api/v1/objects/1:99", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/objects/bogus", alice.Token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestQuery tests both query forms and syntax errors.
func TestQuery(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	q := "select username, uid from user where username starts \"r\""
	resp := f.do(t, http.MethodPost, "/api/v1/query", alice.Token, strings.NewReader(q))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res QueryResponse
	decode(t, resp, &res)
	assert.Equal(t, "user", res.Type)
	assert.Equal(t, []string{f.root.String()}, res.Handles)
	assert.Equal(t, []string{"username", "uid"}, res.Fields)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []string{"root"}, res.Rows[0][0])
	assert.Nil(t, res.Rows[0][1], "uid is hidden")

	resp = f.do(t, http.MethodGet, "/api/v1/query?type=user&limit=1&q="+urlEncode("select * from object"), alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = QueryResponse{}
	decode(t, resp, &res)
	assert.Equal(t, 2, res.Total)
	assert.Len(t, res.Handles, 1)

	resp = f.do(t, http.MethodPost, "/api/v1/query", alice.Token, strings.NewReader("select from"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	decode(t, resp, &e)
	assert.Equal(t, "QuerySyntaxError", e.Error)
	require.NotNil(t, e.Pos)
}

func urlEncode(s string) string {
	return strings.NewReplacer(" ", "%20", "*", "%2A").Replace(s)
}

// TestAdminOnly tests that operations need an administrator.
func TestAdminOnly(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	root := f.login(t, "root")

	for _, path := range []string{"/api/v1/dump", "/api/v1/tasks/gc/demand"} {
		resp := f.do(t, http.MethodPost, path, alice.Token, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
	resp := f.do(t, http.MethodGet, "/api/v1/sessions", alice.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/sessions", root.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []SessionInfo
	decode(t, resp, &sessions)
	assert.Len(t, sessions, 2)
}

// TestDumpAndVerify tests the storage operations.
func TestDumpAndVerify(t *testing.T) {
	f := newFixture(t)
	root := f.login(t, "root")
	require.False(t, f.srv.Storage().IsClean())

	resp := f.do(t, http.MethodPost, "/api/v1/dump", root.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dump DumpResponse
	decode(t, resp, &dump)
	assert.Equal(t, uint64(1), dump.Watermark)
	assert.Equal(t, 3, dump.Objects)
	assert.True(t, f.srv.Storage().IsClean())

	resp = f.do(t, http.MethodGet, "/api/v1/verify", root.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep VerifyResponse
	decode(t, resp, &rep)
	assert.True(t, rep.OK)
	assert.Equal(t, 3, rep.Objects)
}

// TestTasks tests the task listing and demands.
func TestTasks(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	root := f.login(t, "root")

	resp := f.do(t, http.MethodGet, "/api/v1/tasks", alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []TaskInfo
	decode(t, resp, &tasks)
	names := make([]string, 0, len(tasks))
	for _, ti := range tasks {
		names = append(names, ti.Name)
	}
	assert.ElementsMatch(t, []string{server.TaskDump, server.TaskRebuild, server.TaskGC}, names)

	resp = f.do(t, http.MethodPost, "/api/v1/tasks/gc/demand", root.Token, strings.NewReader(`{"options": ["x"]}`))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		st, err := f.srv.Scheduler().TaskStatus(server.TaskGC)
		return err == nil && st.Runs == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/api/v1/tasks/gc", alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gc TaskInfo
	decode(t, resp, &gc)
	assert.Equal(t, "on-demand", gc.Policy)

	resp = f.do(t, http.MethodPost, "/api/v1/tasks/nosuch/demand", root.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestConfigIsRedacted tests that secrets never leave the server.
func TestConfigIsRedacted(t *testing.T) {
	f := newFixture(t)
	root := f.login(t, "root")

	resp := f.do(t, http.MethodGet, "/api/v1/config", root.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]interface{}
	decode(t, resp, &doc)
	srvSection, ok := doc["server"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "********", srvSection["jwtSecret"])
	aclSection, ok := doc["acl"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "deny", aclSection["defaultPolicy"])

	resp = f.do(t, http.MethodGet, "/api/v1/config/sessions", root.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions map[string]interface{}
	decode(t, resp, &sessions)
	assert.Equal(t, "wheel", sessions["adminGroup"])

	resp = f.do(t, http.MethodGet, "/api/v1/config/nosuch", root.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/config/reload", root.Token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestMetrics tests the Prometheus endpoint.
func TestMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dirmgr_commits_total")
}

// TestTokenValidation tests expiry and tampering.
func TestTokenValidation(t *testing.T) {
	f := newFixture(t)
	auth := f.api.Authenticator()

	token, _, err := auth.generateToken("alice", "sid")
	require.NoError(t, err)
	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "sid", claims.SessionID)

	_, err = auth.Resolve(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "no live session")

	other := NewAuthenticator(f.srv.Sessions(), "another-secret-of-length", time.Hour)
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	auth.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
