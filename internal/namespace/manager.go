// Package namespace enforces global uniqueness of namespace-bound field
// values across the committed store and every open transaction.
//
// The manager keeps two tables. The committed table maps each (namespace,
// value) pair to the object holding it in the committed store. The pending
// table records what open transactions did to a pair: a probe reservation,
// a claim on behalf of an object, or the release of a committed value.
// A pair is available to a transaction when neither table binds it, or
// when the only binding is a committed value that this same transaction
// released. Every pending change is undo-logged per transaction so that
// checkpoint rollback restores the exact earlier state.
package namespace

import (
	"sync"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// key identifies a (namespace, folded value) pair.
type key struct {
	ns  string
	val string
}

// entry is the pending state of a pair within one transaction. A zero
// holder with released unset is a probe reservation.
type entry struct {
	txn      uint64
	holder   object.Handle
	released bool

	// displaced is the committed holder whose released value this claim
	// took over.
	displaced object.Handle
}

func (e *entry) isProbe() bool {
	return !e.released && e.holder.IsZero()
}

// undo restores one pair to its previous pending state (nil = absent).
type undo struct {
	k    key
	prev *entry
}

// Duplicate describes a value bound twice in a committed graph.
type Duplicate struct {
	Namespace string
	Value     string
	Holders   []object.Handle
}

// Manager is the namespace reservation manager. It is safe for concurrent
// use; every operation fails fast instead of waiting on another
// transaction.
type Manager struct {
	schema *schema.Schema

	mu        sync.Mutex
	committed map[key]object.Handle
	pending   map[key]*entry
	logs      map[uint64][]undo
}

// New creates an empty manager for schema s.
func New(s *schema.Schema) *Manager {
	return &Manager{
		schema:    s,
		committed: make(map[key]object.Handle),
		pending:   make(map[key]*entry),
		logs:      make(map[uint64][]undo),
	}
}

func (m *Manager) keyOf(ns string, v object.Value) (key, error) {
	n, ok := m.schema.Namespace(ns)
	if !ok {
		return key{}, errs.Newf(errs.SchemaError, "unknown namespace %q", ns)
	}
	return key{ns: ns, val: n.Fold(v)}, nil
}

// set changes the pending state of k for txn and logs the previous state.
// Callers hold m.mu.
func (m *Manager) set(txn uint64, k key, e *entry) {
	var prev *entry
	if p, ok := m.pending[k]; ok {
		cp := *p
		prev = &cp
	}
	m.logs[txn] = append(m.logs[txn], undo{k: k, prev: prev})
	if e == nil {
		delete(m.pending, k)
	} else {
		m.pending[k] = e
	}
}

func conflict(ns string, v object.Value, holder object.Handle, other bool) error {
	if other {
		return errs.Newf(errs.UniquenessConflict, "%s %q is reserved by another transaction", ns, v.Key())
	}
	if holder.IsZero() {
		return errs.Newf(errs.UniquenessConflict, "%s %q is already reserved", ns, v.Key())
	}
	return errs.Newf(errs.UniquenessConflict, "%s %q is already used by %s", ns, v.Key(), holder)
}

// Reserve makes a probe reservation of v in ns for txn. It reports false
// if the value is used by a committed object or reserved by another
// transaction. A non-exclusive reservation of a value txn already holds
// succeeds without change; an exclusive one fails. Probes are dropped at
// promote.
func (m *Manager) Reserve(txn uint64, ns string, v object.Value, exclusive bool) (bool, error) {
	k, err := m.keyOf(ns, v)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[k]; ok {
		if p.txn != txn {
			return false, nil
		}
		if p.released {
			return true, nil
		}
		return !exclusive, nil
	}
	if _, ok := m.committed[k]; ok {
		return false, nil
	}
	m.set(txn, k, &entry{txn: txn})
	return true, nil
}

// Release drops a probe reservation of v in ns held by txn.
func (m *Manager) Release(txn uint64, ns string, v object.Value) error {
	k, err := m.keyOf(ns, v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[k]; ok && p.txn == txn && p.isProbe() {
		m.set(txn, k, nil)
	}
	return nil
}

// Claim binds v in ns to holder on behalf of txn. It fails with
// UniquenessConflict if the value is used by another committed object
// (unless txn released it), reserved by another transaction, or already
// bound to an object in txn.
func (m *Manager) Claim(txn uint64, ns string, v object.Value, holder object.Handle) error {
	k, err := m.keyOf(ns, v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[k]; ok {
		switch {
		case p.txn != txn:
			return conflict(ns, v, p.holder, true)
		case p.released:
			m.set(txn, k, &entry{txn: txn, holder: holder, displaced: m.committed[k]})
			return nil
		case p.isProbe():
			m.set(txn, k, &entry{txn: txn, holder: holder})
			return nil
		default:
			return conflict(ns, v, p.holder, false)
		}
	}
	if c, ok := m.committed[k]; ok {
		return conflict(ns, v, c, false)
	}
	m.set(txn, k, &entry{txn: txn, holder: holder})
	return nil
}

// Unclaim gives up the binding of v in ns by holder within txn: a pending
// claim is dropped, a committed binding is marked released.
func (m *Manager) Unclaim(txn uint64, ns string, v object.Value, holder object.Handle) error {
	k, err := m.keyOf(ns, v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[k]; ok {
		if p.txn != txn || p.released || p.holder != holder {
			return nil
		}
		if _, ok := m.committed[k]; ok {
			m.set(txn, k, &entry{txn: txn, released: true})
		} else {
			m.set(txn, k, nil)
		}
		return nil
	}
	if c, ok := m.committed[k]; ok && c == holder {
		m.set(txn, k, &entry{txn: txn, released: true})
	}
	return nil
}

// Available reports whether v in ns could be claimed by txn right now.
func (m *Manager) Available(txn uint64, ns string, v object.Value) (bool, error) {
	k, err := m.keyOf(ns, v)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[k]; ok {
		return p.txn == txn && (p.released || p.isProbe()), nil
	}
	_, used := m.committed[k]
	return !used, nil
}

// Lookup returns the committed holder of v in ns.
func (m *Manager) Lookup(ns string, v object.Value) (object.Handle, bool) {
	k, err := m.keyOf(ns, v)
	if err != nil {
		return object.Handle{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.committed[k]
	return h, ok
}

// Verify re-confirms every claim of txn against the committed table.
func (m *Manager) Verify(txn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.logs[txn] {
		p, ok := m.pending[u.k]
		if !ok || p.txn != txn || p.released || p.isProbe() {
			continue
		}
		if c, ok := m.committed[u.k]; ok && c != p.holder && c != p.displaced {
			return errs.Newf(errs.UniquenessConflict, "%s %q is already used by %s", u.k.ns, u.k.val, c)
		}
	}
	return nil
}

// Promote makes the pending state of txn permanent: claims enter the
// committed table, released values leave it and probes are dropped.
func (m *Manager) Promote(txn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.logs[txn] {
		p, ok := m.pending[u.k]
		if !ok || p.txn != txn {
			continue
		}
		switch {
		case p.released:
			delete(m.committed, u.k)
		case !p.holder.IsZero():
			m.committed[u.k] = p.holder
		}
		delete(m.pending, u.k)
	}
	delete(m.logs, txn)
}

// Abort discards all pending state of txn.
func (m *Manager) Abort(txn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollback(txn, 0)
	delete(m.logs, txn)
}

// Mark returns a position in the undo log of txn for RollbackTo.
func (m *Manager) Mark(txn uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[txn])
}

// RollbackTo restores the pending state of txn to what it was at mark.
func (m *Manager) RollbackTo(txn uint64, mark int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollback(txn, mark)
}

func (m *Manager) rollback(txn uint64, mark int) {
	log := m.logs[txn]
	for i := len(log) - 1; i >= mark; i-- {
		u := log[i]
		if u.prev == nil {
			delete(m.pending, u.k)
		} else {
			prev := *u.prev
			m.pending[u.k] = &prev
		}
	}
	if mark < len(log) {
		m.logs[txn] = log[:mark]
	}
}

// Rebuild replaces the committed table with the bindings of objs and drops
// all pending state. Values bound more than once are kept for their first
// holder and reported.
func (m *Manager) Rebuild(objs []*object.Object) []Duplicate {
	committed := make(map[key]object.Handle)
	dups := make(map[key]*Duplicate)
	var order []key

	for _, obj := range objs {
		t, err := m.schema.Type(obj.Handle.Type)
		if err != nil {
			continue
		}
		for _, f := range t.NamespaceFields() {
			for _, v := range obj.Fields[f.ID] {
				k, err := m.keyOf(f.Namespace, v)
				if err != nil {
					continue
				}
				first, used := committed[k]
				if !used {
					committed[k] = obj.Handle
					continue
				}
				d, ok := dups[k]
				if !ok {
					d = &Duplicate{Namespace: k.ns, Value: k.val, Holders: []object.Handle{first}}
					dups[k] = d
					order = append(order, k)
				}
				d.Holders = append(d.Holders, obj.Handle)
			}
		}
	}

	m.mu.Lock()
	m.committed = committed
	m.pending = make(map[key]*entry)
	m.logs = make(map[uint64][]undo)
	m.mu.Unlock()

	out := make([]Duplicate, 0, len(order))
	for _, k := range order {
		out = append(out, *dups[k])
	}
	return out
}

// Stats reports the sizes of the committed and pending tables.
func (m *Manager) Stats() (committed, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed), len(m.pending)
}
