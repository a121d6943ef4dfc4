package tx

import (
	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// WorkingObject is the transaction-private shadow of one object. It is
// created by CreateObject or EditObject and lives until the transaction
// ends.
type WorkingObject struct {
	tx     *Transaction
	typ    *schema.ObjectType
	handle object.Handle

	// base is the committed version checked out; nil for new objects.
	base *object.Object

	fields  map[object.FieldID][]object.Value
	dirty   map[object.FieldID]bool
	deleted bool
}

func newWorkingObject(tx *Transaction, typ *schema.ObjectType, h object.Handle, base *object.Object) *WorkingObject {
	w := &WorkingObject{
		tx:     tx,
		typ:    typ,
		handle: h,
		base:   base,
		fields: make(map[object.FieldID][]object.Value),
		dirty:  make(map[object.FieldID]bool),
	}
	if base != nil {
		for id, vals := range base.Fields {
			w.fields[id] = vals
		}
	}
	return w
}

// Handle returns the handle of the object.
func (w *WorkingObject) Handle() object.Handle { return w.handle }

// Type returns the type of the object.
func (w *WorkingObject) Type() *schema.ObjectType { return w.typ }

// IsNew reports whether the object was created in this transaction.
func (w *WorkingObject) IsNew() bool { return w.base == nil }

// Get returns the current values of field f.
func (w *WorkingObject) Get(f object.FieldID) []object.Value {
	w.tx.mu.Lock()
	defer w.tx.mu.Unlock()
	return w.fields[f]
}

// IsDirty reports whether field f was assigned in this transaction.
func (w *WorkingObject) IsDirty(f object.FieldID) bool {
	w.tx.mu.Lock()
	defer w.tx.mu.Unlock()
	return w.dirty[f]
}

// IsDeleted reports whether the object is pending deletion.
func (w *WorkingObject) IsDeleted() bool {
	w.tx.mu.Lock()
	defer w.tx.mu.Unlock()
	return w.deleted
}

// Set assigns vals to field f. No values clears the field. On failure
// the object and the namespace reservations are left as they were.
func (w *WorkingObject) Set(f object.FieldID, vals ...object.Value) error {
	w.tx.mu.Lock()
	defer w.tx.mu.Unlock()

	if err := w.tx.checkOpen(); err != nil {
		return err
	}
	return w.tx.setFieldValue(w, f, vals)
}

// SetByName assigns vals to the field called name.
func (w *WorkingObject) SetByName(name string, vals ...object.Value) error {
	fd, err := w.typ.FieldByName(name)
	if err != nil {
		return err
	}
	return w.Set(fd.ID, vals...)
}

// readView is the read-only view of a working object handed to hooks
// that only inspect it.
type readView struct {
	w *WorkingObject
}

func (v readView) Handle() object.Handle { return v.w.handle }

func (v readView) Type() *schema.ObjectType { return v.w.typ }

func (v readView) Get(f object.FieldID) []object.Value { return v.w.fields[f] }

func (v readView) IsNew() bool { return v.w.base == nil }

// hookView adds Set for the wizard hook, which runs with the transaction
// lock held.
type hookView struct {
	readView
}

func (v hookView) Set(f object.FieldID, vals ...object.Value) error {
	return v.w.tx.setFieldValue(v.w, f, vals)
}

// setFieldValue is the locked body of WorkingObject.Set.
func (tx *Transaction) setFieldValue(w *WorkingObject, f object.FieldID, vals []object.Value) error {
	if w.tx != tx {
		return errs.Newf(errs.ValidationFailure, "object %s belongs to another transaction", w.handle)
	}
	if w.deleted {
		return errs.Newf(errs.NotFound, "object %s is deleted in this transaction", w.handle)
	}
	fd, err := w.typ.Field(f)
	if err != nil {
		return err
	}

	op := acl.Edit
	if w.base == nil {
		op = acl.Create
	}
	if !tx.allowed(w.handle, f, op) {
		return errs.Field(errs.AccessDenied, fd.Name, "%s may not %s %s", tx.Owner, op, w.handle)
	}

	canon := make([]object.Value, len(vals))
	for i, v := range vals {
		canon[i] = object.Canonical(v)
	}
	vals = canon
	if err := fd.Check(vals); err != nil {
		return err
	}
	if fd.Kind == object.KindRef {
		for _, v := range vals {
			if err := tx.checkRef(fd, v.Ref); err != nil {
				return err
			}
		}
	}

	old := w.fields[f]
	if object.EqualValues(old, vals) {
		return nil
	}

	undoMark, nsMark := tx.marks()
	if fd.Namespace != "" {
		if err := tx.swapNamespace(w, fd, old, vals); err != nil {
			tx.rollbackTo(undoMark, nsMark)
			return err
		}
	}

	tx.undo = append(tx.undo, undoRecord{
		kind:  undoField,
		w:     w,
		field: f,
		vals:  old,
		had:   hasField(w.fields, f),
		dirty: w.dirty[f],
	})
	if len(vals) == 0 {
		delete(w.fields, f)
	} else {
		w.fields[f] = vals
	}
	w.dirty[f] = true

	if w.typ.Custom.WizardHook != nil {
		if tx.hookDepth >= maxHookDepth {
			tx.rollbackTo(undoMark, nsMark)
			return errs.Field(errs.ValidationFailure, fd.Name, "customization hooks nest too deeply")
		}
		tx.hookDepth++
		err := w.typ.Custom.WizardHook(hookView{readView{w}}, fd, vals)
		tx.hookDepth--
		if err != nil {
			tx.rollbackTo(undoMark, nsMark)
			return err
		}
	}
	return nil
}

// swapNamespace releases the values dropped from field fd and claims the
// ones added.
func (tx *Transaction) swapNamespace(w *WorkingObject, fd *schema.FieldDef, old, vals []object.Value) error {
	for _, v := range old {
		if !object.ContainsValue(vals, v) {
			if err := tx.m.ns.Unclaim(tx.ID, fd.Namespace, v, w.handle); err != nil {
				return err
			}
		}
	}
	for _, v := range vals {
		if !object.ContainsValue(old, v) {
			if err := tx.m.ns.Claim(tx.ID, fd.Namespace, v, w.handle); err != nil {
				if e, ok := errs.As(err); ok {
					return errs.Field(e.Code, fd.Name, "%s", e.Message)
				}
				return err
			}
		}
	}
	return nil
}

// checkRef verifies that h names a live object: created in this
// transaction, or committed and not deleted here.
func (tx *Transaction) checkRef(fd *schema.FieldDef, h object.Handle) error {
	if w, ok := tx.working[h]; ok {
		if w.deleted {
			return errs.Field(errs.ValidationFailure, fd.Name, "reference to %s which is deleted in this transaction", h)
		}
		return nil
	}
	if _, err := tx.m.store.Get(h); err != nil {
		return errs.Field(errs.ValidationFailure, fd.Name, "reference to missing object %s", h)
	}
	return nil
}

func hasField(fields map[object.FieldID][]object.Value, f object.FieldID) bool {
	_, ok := fields[f]
	return ok
}
