package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/query"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
	"github.com/KilimcininKorOglu/dirmgr/internal/server"
)

// Version is reported by the health endpoint.
var Version = "dev"

// DefaultQueryLimit bounds the rows of a query response unless the
// caller asks for more.
const DefaultQueryLimit = 1000

// Handlers contains all REST API handlers.
type Handlers struct {
	srv           *server.Server
	auth          *Authenticator
	configManager *config.ConfigManager
	logger        logging.Logger
	startTime     time.Time
	requestCount  int64
	activeConns   int64
}

// NewHandlers creates new handlers.
func NewHandlers(srv *server.Server, auth *Authenticator, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		srv:       srv,
		auth:      auth,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetConfigManager sets the config manager for config-related endpoints.
func (h *Handlers) SetConfigManager(m *config.ConfigManager) {
	h.configManager = m
}

// IncrementConnections increments active connection count.
func (h *Handlers) IncrementConnections() {
	atomic.AddInt64(&h.activeConns, 1)
}

// DecrementConnections decrements active connection count.
func (h *Handlers) DecrementConnections() {
	atomic.AddInt64(&h.activeConns, -1)
}

func (h *Handlers) auditLog(r *http.Request, msg string, keysAndValues ...interface{}) {
	l := h.logger.WithSource("audit")
	if s := SessionFrom(r); s != nil {
		l = l.WithFields("user", s.Name())
	}
	l.Info(msg, keysAndValues...)
}

// HandleHealth handles GET /api/v1/health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     Version,
		Uptime:      uptime.String(),
		UptimeSecs:  int64(uptime.Seconds()),
		StartTime:   h.startTime,
		Seq:         h.srv.Store().Seq(),
		Clean:       h.srv.Storage().IsClean(),
		Sessions:    h.srv.Sessions().Count(),
		Connections: int(atomic.LoadInt64(&h.activeConns)),
		Requests:    atomic.LoadInt64(&h.requestCount),
	})
}

// HandleLogin handles POST /api/v1/auth/login
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username is required")
		return
	}

	s, token, exp, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		if errs.Is(err, errs.AccessDenied) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
			return
		}
		writeErr(w, err)
		return
	}

	if lrw, ok := w.(*loggingResponseWriter); ok {
		lrw.SetUser(req.Username)
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		SessionID: s.ID,
		ExpiresAt: exp,
		Admin:     s.Principal != nil && s.Principal.Admin,
	})
}

// HandleLogout handles POST /api/v1/auth/logout
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	s := SessionFrom(r)
	if err := h.srv.Sessions().Logout(s.ID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTypes handles GET /api/v1/types
func (h *Handlers) HandleTypes(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	sch := h.srv.Schema()
	snap := h.srv.Store().Snapshot()
	types := sch.Types()
	out := make([]TypeInfo, 0, len(types))
	for _, t := range types {
		info := TypeInfo{
			ID:          uint16(t.ID),
			Name:        t.Name,
			Description: t.Description,
			Objects:     snap.Len(t.ID),
			Fields:      make([]FieldInfo, 0, len(t.Fields)),
		}
		if c, err := sch.Type(t.Container); err == nil {
			info.Container = c.Name
		}
		for _, f := range t.Fields {
			fi := FieldInfo{
				ID:        uint16(f.ID),
				Name:      f.Name,
				Kind:      f.Kind.String(),
				Vector:    f.Vector,
				Required:  f.Required,
				Namespace: f.Namespace,
				Embedded:  f.Embedded,
			}
			if target, err := sch.Type(f.TargetType); err == nil {
				fi.Target = target.Name
			}
			info.Fields = append(info.Fields, fi)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetObject handles GET /api/v1/objects/{handle}
func (h *Handlers) HandleGetObject(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	handle, err := object.ParseHandle(mux.Vars(r)["handle"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_handle", err.Error())
		return
	}

	p := PrincipalFrom(r)
	obj, err := h.srv.Get(handle)
	if err != nil || !h.srv.ACL().CheckAccess(p, handle, 0, acl.View) {
		// Invisible objects look the same as missing ones.
		writeError(w, http.StatusNotFound, string(errs.NotFound), "object "+handle.String()+" not found")
		return
	}

	writeJSON(w, http.StatusOK, h.convertObject(p, obj))
}

func (h *Handlers) convertObject(p *acl.Principal, obj *object.Object) *Object {
	out := &Object{
		Handle:   obj.Handle.String(),
		Seq:      obj.Seq,
		Modified: obj.Modified,
		Fields:   make(map[string][]string),
	}
	t, err := h.srv.Schema().Type(obj.Handle.Type)
	if err != nil {
		return out
	}
	out.Type = t.Name
	for _, f := range h.srv.ACL().Evaluator().VisibleFields(p, obj) {
		fd, err := t.Field(f)
		if err != nil {
			continue
		}
		out.Fields[fd.Name] = valueStrings(obj.Get(f))
	}
	return out
}

func valueStrings(vals []object.Value) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.String()
	}
	return out
}

// HandleQuery handles GET and POST /api/v1/query. The query text comes
// from the q parameter or the request body. With a type parameter the
// from clause may say "object"; otherwise it must name the type.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)
	params := r.URL.Query()

	text := params.Get("q")
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
			return
		}
		text = string(body)
	}

	limit := DefaultQueryLimit
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		res *query.Result
		err error
	)
	if typeName := params.Get("type"); typeName != "" {
		t, terr := h.srv.Schema().TypeByName(typeName)
		if terr != nil {
			writeErr(w, terr)
			return
		}
		res, err = h.srv.Query().Query(r.Context(), t.ID, text)
	} else {
		res, err = h.srv.Query().QueryText(r.Context(), text)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.convertResult(PrincipalFrom(r), res, limit))
}

// convertResult drops the handles p may not view and masks the selected
// fields p may not view.
func (h *Handlers) convertResult(p *acl.Principal, res *query.Result, limit int) *QueryResponse {
	out := &QueryResponse{Seq: res.Seq, Fields: res.Fields, Handles: []string{}}
	t, err := h.srv.Schema().Type(res.Type)
	if err != nil {
		return out
	}
	out.Type = t.Name
	checker := h.srv.ACL().Evaluator()

	visible := make([]object.Handle, 0, len(res.Handles))
	for _, hd := range res.Handles {
		if checker.CheckAccess(p, hd, 0, acl.View) {
			visible = append(visible, hd)
		}
	}
	out.Total = len(visible)
	if len(visible) > limit {
		visible = visible[:limit]
	}
	for _, hd := range visible {
		out.Handles = append(out.Handles, hd.String())
	}
	if len(res.Fields) == 0 {
		return out
	}

	fields := make([]object.FieldID, len(res.Fields))
	for i, name := range res.Fields {
		if fd, err := t.FieldByName(name); err == nil {
			fields[i] = fd.ID
		}
	}
	snap := h.srv.Store().Snapshot()
	for _, hd := range visible {
		obj, ok := snap.Get(hd)
		if !ok {
			continue
		}
		row := make([][]string, len(fields))
		for i, f := range fields {
			if f != 0 && checker.CheckAccess(p, hd, f, acl.View) {
				row[i] = valueStrings(obj.Get(f))
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// HandleTasks handles GET /api/v1/tasks
func (h *Handlers) HandleTasks(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	statuses := h.srv.Scheduler().Status()
	out := make([]TaskInfo, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, convertTask(st))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleTask handles GET /api/v1/tasks/{name}
func (h *Handlers) HandleTask(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	st, err := h.srv.Scheduler().TaskStatus(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusNotFound, string(errs.NotFound), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, convertTask(st))
}

func convertTask(st scheduler.Status) TaskInfo {
	return TaskInfo{
		Name:         st.Name,
		Description:  st.Description,
		Policy:       st.Policy.String(),
		NextRun:      st.NextRun,
		Running:      st.Running,
		RerunPending: st.RerunPending,
		Abandoned:    st.Abandoned,
		Runs:         st.Runs,
		Failures:     st.Failures,
		LastRun:      st.LastRun,
		LastError:    st.LastError,
	}
}

// HandleDemand handles POST /api/v1/tasks/{name}/demand. Options come
// from an optional JSON body and repeated option parameters.
func (h *Handlers) HandleDemand(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	name := mux.Vars(r)["name"]
	var req DemandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	opts := append(req.Options, r.URL.Query()["option"]...)

	switch err := h.srv.Scheduler().Demand(name, opts...); err {
	case nil:
	case scheduler.ErrTaskNotFound:
		writeError(w, http.StatusNotFound, string(errs.NotFound), err.Error())
		return
	case scheduler.ErrShutdown:
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		return
	default:
		writeErr(w, err)
		return
	}

	h.auditLog(r, "task demanded", "task", name, "options", opts)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "task demanded",
		"task":    name,
		"options": opts,
	})
}

// HandleDump handles POST /api/v1/dump. It writes the dump synchronously;
// archive=true also stores an archive copy.
func (h *Handlers) HandleDump(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	archive, _ := strconv.ParseBool(r.URL.Query().Get("archive"))
	info, err := h.srv.Dump(archive)
	if err != nil {
		writeErr(w, err)
		return
	}

	h.auditLog(r, "dump written", "path", info.Path, "watermark", info.Watermark)
	writeJSON(w, http.StatusOK, DumpResponse{
		Path:        info.Path,
		Watermark:   info.Watermark,
		Objects:     info.Objects,
		Bytes:       info.Bytes,
		ArchivePath: info.ArchivePath,
		Duration:    info.Duration.String(),
	})
}

// HandleVerify handles GET /api/v1/verify
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	rep := h.srv.Verify()
	out := VerifyResponse{OK: rep.OK(), Seq: rep.Seq, Objects: rep.Objects}
	for _, d := range rep.Duplicates {
		holders := make([]string, len(d.Holders))
		for i, hd := range d.Holders {
			holders[i] = hd.String()
		}
		out.Duplicates = append(out.Duplicates, DuplicateInfo{Namespace: d.Namespace, Value: d.Value, Holders: holders})
	}
	for _, d := range rep.Dangling {
		out.Dangling = append(out.Dangling, DanglingInfo{From: d.From.String(), Field: d.Field, To: d.To.String()})
	}
	for _, m := range rep.Missing {
		out.Missing = append(out.Missing, MissingInfo{Object: m.Object.String(), Field: m.Field})
	}
	for _, o := range rep.Orphans {
		out.Orphans = append(out.Orphans, o.String())
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSessions handles GET /api/v1/sessions
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	infos := h.srv.Sessions().List()
	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionInfo{
			ID:       info.ID,
			Name:     info.Name,
			Created:  info.Created,
			LastSeen: info.LastSeen,
			TxID:     info.TxID,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	writeJSON(w, http.StatusOK, out)
}

// HandleEndSession handles DELETE /api/v1/sessions/{id}
func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	id := mux.Vars(r)["id"]
	if err := h.srv.Sessions().Logout(id); err != nil {
		writeErr(w, err)
		return
	}
	h.auditLog(r, "session ended", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetACL handles GET /api/v1/acl
func (h *Handlers) HandleGetACL(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	stats := h.srv.ACL().Stats()
	out := ACLStatus{
		FilePath:      stats.FilePath,
		RuleCount:     stats.RuleCount,
		DefaultPolicy: stats.DefaultPolicy,
		ReloadCount:   stats.ReloadCount,
		LastReload:    stats.LastReload,
	}
	if stats.LastError != nil {
		out.LastError = stats.LastError.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleReloadACL handles POST /api/v1/acl/reload
func (h *Handlers) HandleReloadACL(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	if h.srv.ACL().FilePath() == "" {
		writeError(w, http.StatusBadRequest, "reload_not_supported", "ACL reload requires an ACL file")
		return
	}
	if err := h.srv.ACL().Reload(); err != nil {
		writeError(w, http.StatusBadRequest, "reload_failed", err.Error())
		return
	}

	h.auditLog(r, "ACL reloaded")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "ACL reloaded",
		"rules":   h.srv.ACL().Stats().RuleCount,
	})
}
