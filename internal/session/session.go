// Package session tracks logged-in callers and their transactions.
//
// A Session binds a principal to at most one open transaction. Logging in
// checks the user's password field and account state; logging out, or
// being swept after the idle timeout, aborts the session's transaction so
// its check-outs and namespace claims are released.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/password"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/tx"
)

// ErrTransactionOpen is returned by Begin when the session already has an
// open transaction.
var ErrTransactionOpen = errors.New("session: transaction already open")

// DefaultIdleTimeout is the idle time after which a session is swept.
const DefaultIdleTimeout = 30 * time.Minute

// Options configures a Registry.
type Options struct {
	Manager *tx.Manager

	// Lockout tracks failed logins. Nil disables lockout.
	Lockout *password.Lockout

	IdleTimeout time.Duration

	// AdminGroup names the group whose members are administrators.
	AdminGroup string

	Logger logging.Logger
	Now    func() time.Time
}

// Session is one logged-in caller.
type Session struct {
	ID        string
	Principal *acl.Principal
	Created   time.Time

	reg *Registry

	mu       sync.Mutex
	lastSeen time.Time
	tx       *tx.Transaction
}

// Info summarizes a session.
type Info struct {
	ID       string
	Name     string
	Created  time.Time
	LastSeen time.Time

	// TxID is 0 when no transaction is open.
	TxID uint64
}

// Registry holds the live sessions. It is safe for concurrent use.
type Registry struct {
	m          *tx.Manager
	lockout    *password.Lockout
	idle       time.Duration
	adminGroup string
	logger     logging.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		m:          opts.Manager,
		lockout:    opts.Lockout,
		idle:       opts.IdleTimeout,
		adminGroup: opts.AdminGroup,
		logger:     opts.Logger.WithSource("session"),
		now:        opts.Now,
		sessions:   make(map[string]*Session),
	}
}

// Login authenticates name with plain and opens a session.
func (r *Registry) Login(name, plain string) (*Session, error) {
	now := r.now()
	if r.lockout != nil && r.lockout.IsLockedAt(name, now) {
		r.logger.Warn("login refused for locked account", "user", name)
		return nil, errs.Newf(errs.AccessDenied, "account %s is locked", name)
	}

	p, err := r.authenticate(name, plain, now)
	if err != nil {
		if r.lockout != nil {
			r.lockout.RecordFailureAt(name, now)
		}
		r.logger.Warn("login failed", "user", name, "error", err)
		return nil, err
	}
	if r.lockout != nil {
		r.lockout.RecordSuccess(name)
	}

	s := r.add(p)
	r.logger.Info("login", "user", name, "session", s.ID)
	return s, nil
}

// authenticate checks the credentials and builds the principal. All
// credential failures carry the same message.
func (r *Registry) authenticate(name, plain string, now time.Time) (*acl.Principal, error) {
	denied := errs.New(errs.AccessDenied, "invalid credentials")

	h, ok := r.m.Namespaces().Lookup("username", object.String(name))
	if !ok {
		return nil, denied
	}
	obj, err := r.m.Store().Get(h)
	if err != nil {
		return nil, denied
	}
	pw, ok := obj.First(schema.UserPassword)
	if !ok || !password.Verify(pw, plain) {
		return nil, denied
	}
	if v, ok := obj.First(schema.UserDisabled); ok && v.Bool {
		return nil, errs.Newf(errs.AccessDenied, "account %s is disabled", name)
	}
	if v, ok := obj.First(schema.UserExpires); ok && !v.Time.After(now) {
		return nil, errs.Newf(errs.AccessDenied, "account %s has expired", name)
	}
	return r.principal(obj), nil
}

// principal derives the principal of a user object.
func (r *Registry) principal(obj *object.Object) *acl.Principal {
	p := &acl.Principal{Handle: obj.Handle}
	if v, ok := obj.First(schema.UserUsername); ok {
		p.Name = v.Str
	}
	snap := r.m.Store().Snapshot()
	for _, ref := range obj.Get(schema.UserGroups) {
		g, ok := snap.Get(ref.Ref)
		if !ok {
			continue
		}
		if v, ok := g.First(schema.GroupName); ok {
			p.Groups = append(p.Groups, v.Str)
		}
	}
	if r.adminGroup != "" && p.InGroup(r.adminGroup) {
		p.Admin = true
	}
	for _, v := range obj.Get(schema.UserPerms) {
		p.Perms = append(p.Perms, v.Perm...)
	}
	return p
}

// OpenSystem opens a session for internal callers. Its transactions are
// system transactions that bypass access checks.
func (r *Registry) OpenSystem() *Session {
	return r.add(nil)
}

func (r *Registry) add(p *acl.Principal) *Session {
	now := r.now()
	s := &Session{
		ID:        uuid.NewString(),
		Principal: p,
		Created:   now,
		lastSeen:  now,
		reg:       r,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.GaugeSessions.Set(float64(n))
	return s
}

// Get returns the session with id and marks it active.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.NotFound, "session %s not found", id)
	}
	s.Touch()
	return s, nil
}

// Logout ends the session with id, aborting its open transaction.
func (r *Registry) Logout(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return errs.Newf(errs.NotFound, "session %s not found", id)
	}
	metrics.GaugeSessions.Set(float64(n))
	s.Abort()
	r.logger.Info("logout", "user", s.Name(), "session", id)
	return nil
}

// Sweep ends every session idle for longer than the idle timeout and
// returns their ids. A session holding an open transaction is never swept;
// it ends by commit, abort or logout.
func (r *Registry) Sweep() []string {
	cutoff := r.now().Add(-r.idle)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.Transaction() != nil {
			continue
		}
		if s.LastSeen().Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.GaugeSessions.Set(float64(n))

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		s.Abort()
		ids = append(ids, s.ID)
		r.logger.Info("session expired", "user", s.Name(), "session", s.ID)
	}
	sort.Strings(ids)
	return ids
}

// SweepTask runs Sweep as a scheduler task.
func (r *Registry) SweepTask(ctx context.Context, run *scheduler.Run) error {
	r.Sweep()
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns every live session ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Info, len(all))
	for i, s := range all {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

// Name returns the principal's name, or "system".
func (s *Session) Name() string {
	if s.Principal == nil {
		return "system"
	}
	return s.Principal.Name
}

// Touch marks the session active.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = s.reg.now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Begin opens the session's transaction.
func (s *Session) Begin(label string) (*tx.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil && s.tx.State() == tx.StateOpen {
		return nil, ErrTransactionOpen
	}
	s.tx = s.reg.m.Open(s.Principal, label)
	s.lastSeen = s.reg.now()
	return s.tx, nil
}

// Transaction returns the open transaction, or nil.
func (s *Session) Transaction() *tx.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.tx.State() != tx.StateOpen {
		return nil
	}
	return s.tx
}

// Commit commits the open transaction. A failed commit that leaves the
// transaction open keeps it attached to the session.
func (s *Session) Commit() error {
	t := s.Transaction()
	if t == nil {
		return errs.New(errs.TransactionClosed, "no open transaction")
	}
	s.Touch()
	return t.Commit()
}

// Abort aborts the open transaction, if any.
func (s *Session) Abort() {
	s.mu.Lock()
	t := s.tx
	s.tx = nil
	s.mu.Unlock()
	if t != nil {
		t.Abort()
	}
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.ID, Created: s.Created, LastSeen: s.lastSeen}
	if s.Principal != nil {
		info.Name = s.Principal.Name
	} else {
		info.Name = "system"
	}
	if s.tx != nil && s.tx.State() == tx.StateOpen {
		info.TxID = s.tx.ID
	}
	return info
}
