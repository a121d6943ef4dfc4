package tx

import (
	"sync"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// State represents the state of a transaction.
type State int

const (
	// StateOpen accepts edits.
	StateOpen State = iota
	// StateCommitting is validating or publishing.
	StateCommitting
	// StateCommitted has published its changes.
	StateCommitted
	// StateAborted has discarded its changes.
	StateAborted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// maxHookDepth bounds wizard hooks that set fields which trigger hooks.
const maxHookDepth = 8

// Transaction is a private working set of checked-out objects. A
// transaction is used by one session at a time; its methods are
// nonetheless safe to call concurrently.
type Transaction struct {
	ID        uint64
	Owner     string
	Label     string
	Principal *acl.Principal
	Started   time.Time

	m *Manager

	mu          sync.Mutex
	state       State
	working     map[object.Handle]*WorkingObject
	order       []object.Handle
	undo        []undoRecord
	checkpoints []checkpoint
	hookDepth   int
}

// State returns the current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Info returns a summary of the transaction.
func (tx *Transaction) Info() Info {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	labels := make([]string, len(tx.checkpoints))
	for i, cp := range tx.checkpoints {
		labels[i] = cp.label
	}
	return Info{
		ID:          tx.ID,
		Owner:       tx.Owner,
		Label:       tx.Label,
		Started:     tx.Started,
		Objects:     len(tx.working),
		Checkpoints: labels,
	}
}

func (tx *Transaction) checkOpen() error {
	if tx.state != StateOpen {
		return errs.Newf(errs.TransactionClosed, "transaction %d is %s", tx.ID, tx.state)
	}
	return nil
}

func (tx *Transaction) allowed(h object.Handle, f object.FieldID, op acl.Right) bool {
	if tx.Principal == nil {
		return true
	}
	return tx.m.access.CheckAccess(tx.Principal, h, f, op)
}

func (tx *Transaction) denied(h object.Handle, op acl.Right) error {
	return errs.Newf(errs.AccessDenied, "%s may not %s %s", tx.Owner, op, h)
}

// CreateObject adds a new object of type t to the transaction.
func (tx *Transaction) CreateObject(t object.TypeID) (*WorkingObject, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	typ, err := tx.m.store.GetType(t)
	if err != nil {
		return nil, err
	}
	if !tx.allowed(object.Handle{Type: t}, 0, acl.Create) {
		return nil, errs.Newf(errs.AccessDenied, "%s may not create %s objects", tx.Owner, typ.Name)
	}

	h := object.Handle{Type: t, ID: tx.m.store.AllocateID(t)}
	w := newWorkingObject(tx, typ, h, nil)
	tx.add(w)
	return w, nil
}

// EditObject checks h out into the transaction. It fails fast with
// ConcurrentEditConflict when another transaction holds h.
func (tx *Transaction) EditObject(h object.Handle) (*WorkingObject, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	return tx.edit(h)
}

func (tx *Transaction) edit(h object.Handle) (*WorkingObject, error) {
	if w, ok := tx.working[h]; ok {
		if w.deleted {
			return nil, errs.Newf(errs.NotFound, "object %s is deleted in this transaction", h)
		}
		return w, nil
	}

	obj, err := tx.m.store.Get(h)
	if err != nil {
		return nil, err
	}
	typ, err := tx.m.store.GetType(h.Type)
	if err != nil {
		return nil, err
	}
	if !tx.allowed(h, 0, acl.View) {
		return nil, tx.denied(h, acl.View)
	}
	if err := tx.m.checkout(tx, h); err != nil {
		return nil, err
	}

	w := newWorkingObject(tx, typ, h, obj)
	tx.add(w)
	return w, nil
}

func (tx *Transaction) add(w *WorkingObject) {
	tx.working[w.handle] = w
	tx.order = append(tx.order, w.handle)
	tx.undo = append(tx.undo, undoRecord{kind: undoAdd, w: w})
}

// DeleteObject marks h deleted, together with the embedded objects it
// owns. Its namespace values are released at once.
func (tx *Transaction) DeleteObject(h object.Handle) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}

	undoMark, nsMark := tx.marks()
	if err := tx.delete(h); err != nil {
		tx.rollbackTo(undoMark, nsMark)
		return err
	}
	return nil
}

func (tx *Transaction) delete(h object.Handle) error {
	w, err := tx.edit(h)
	if err != nil {
		return err
	}
	if !tx.allowed(h, 0, acl.Delete) {
		return tx.denied(h, acl.Delete)
	}

	for _, f := range w.typ.Fields {
		if !f.Embedded {
			continue
		}
		for _, v := range w.fields[f.ID] {
			if err := tx.delete(v.Ref); err != nil {
				if errs.Is(err, errs.NotFound) {
					continue
				}
				return err
			}
		}
	}

	for _, f := range w.typ.NamespaceFields() {
		for _, v := range w.fields[f.ID] {
			if err := tx.m.ns.Unclaim(tx.ID, f.Namespace, v, h); err != nil {
				return err
			}
		}
	}

	tx.undo = append(tx.undo, undoRecord{kind: undoDelete, w: w})
	w.deleted = true
	return nil
}

// Get returns the transaction's view of h: its working copy if checked
// out, the committed object otherwise.
func (tx *Transaction) Get(h object.Handle) (schema.View, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if w, ok := tx.working[h]; ok {
		if w.deleted {
			return nil, errs.Newf(errs.NotFound, "object %s is deleted in this transaction", h)
		}
		return readView{w}, nil
	}
	obj, err := tx.m.store.Get(h)
	if err != nil {
		return nil, err
	}
	typ, err := tx.m.store.GetType(h.Type)
	if err != nil {
		return nil, err
	}
	return schema.ViewOf(typ, obj), nil
}

// Objects returns the working objects in check-out order, including
// deleted ones.
func (tx *Transaction) Objects() []*WorkingObject {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]*WorkingObject, 0, len(tx.order))
	for _, h := range tx.order {
		if w, ok := tx.working[h]; ok {
			out = append(out, w)
		}
	}
	return out
}

// Reserve makes a probe reservation in ns, for example to hand out a
// free uid before the user object carrying it exists.
func (tx *Transaction) Reserve(ns string, v object.Value, exclusive bool) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	return tx.m.ns.Reserve(tx.ID, ns, v, exclusive)
}

// Release drops a probe reservation made by Reserve.
func (tx *Transaction) Release(ns string, v object.Value) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	return tx.m.ns.Release(tx.ID, ns, v)
}

// SetPassword hashes plain under the password policy and stores it in the
// password field f of w.
func (tx *Transaction) SetPassword(w *WorkingObject, f object.FieldID, plain string) error {
	fd, err := w.typ.Field(f)
	if err != nil {
		return err
	}
	if fd.Kind != object.KindPassword {
		return errs.Field(errs.SchemaError, fd.Name, "not a password field")
	}
	v, err := tx.m.passwords.Hash(plain)
	if err != nil {
		if e, ok := errs.As(err); ok {
			return errs.Field(e.Code, fd.Name, "%s", e.Message)
		}
		return err
	}
	return w.Set(f, v)
}

// ChoiceList returns the candidate values the type offers for field f.
func (tx *Transaction) ChoiceList(w *WorkingObject, f object.FieldID) ([]object.Value, error) {
	fd, err := w.typ.Field(f)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return w.typ.Custom.Choices(readView{w}, fd), nil
}

// Abort discards every change and reservation of the transaction.
// Aborting a finished transaction is a no-op.
func (tx *Transaction) Abort() {
	tx.mu.Lock()
	if tx.state != StateOpen {
		tx.mu.Unlock()
		return
	}
	tx.state = StateAborted
	tx.mu.Unlock()

	tx.m.ns.Abort(tx.ID)
	tx.m.finish(tx)
	tx.m.logger.Debug("transaction aborted", "txid", tx.ID, "owner", tx.Owner)
}
