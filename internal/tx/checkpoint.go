package tx

import (
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

type undoKind uint8

const (
	// undoAdd removes a working object added by create or check-out.
	undoAdd undoKind = iota + 1
	// undoField restores one field of a working object.
	undoField
	// undoDelete clears a pending deletion.
	undoDelete
)

type undoRecord struct {
	kind  undoKind
	w     *WorkingObject
	field object.FieldID
	vals  []object.Value
	had   bool
	dirty bool
}

// checkpoint is a named position in the undo logs of the transaction and
// of the namespace manager.
type checkpoint struct {
	label    string
	undoMark int
	nsMark   int
}

// marks returns the current positions of both undo logs.
func (tx *Transaction) marks() (int, int) {
	return len(tx.undo), tx.m.ns.Mark(tx.ID)
}

// rollbackTo replays the undo log backwards to undoMark and restores the
// namespace reservations to nsMark.
func (tx *Transaction) rollbackTo(undoMark, nsMark int) {
	for i := len(tx.undo) - 1; i >= undoMark; i-- {
		u := tx.undo[i]
		switch u.kind {
		case undoAdd:
			delete(tx.working, u.w.handle)
			if n := len(tx.order); n > 0 && tx.order[n-1] == u.w.handle {
				tx.order = tx.order[:n-1]
			}
			if u.w.base != nil {
				tx.m.checkin(tx, u.w.handle)
			}
		case undoField:
			if u.had {
				u.w.fields[u.field] = u.vals
			} else {
				delete(u.w.fields, u.field)
			}
			if u.dirty {
				u.w.dirty[u.field] = true
			} else {
				delete(u.w.dirty, u.field)
			}
		case undoDelete:
			u.w.deleted = false
		}
	}
	tx.undo = tx.undo[:undoMark]
	tx.m.ns.RollbackTo(tx.ID, nsMark)
}

// Checkpoint pushes a named checkpoint. Labels need not be unique;
// Rollback and PopCheckpoint act on the most recent one.
func (tx *Transaction) Checkpoint(label string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}
	undoMark, nsMark := tx.marks()
	tx.checkpoints = append(tx.checkpoints, checkpoint{label: label, undoMark: undoMark, nsMark: nsMark})
	return nil
}

func (tx *Transaction) findCheckpoint(label string) (int, error) {
	for i := len(tx.checkpoints) - 1; i >= 0; i-- {
		if tx.checkpoints[i].label == label {
			return i, nil
		}
	}
	return -1, errs.Newf(errs.CheckpointNotFound, "no checkpoint %q", label)
}

// Rollback restores the working set and namespace reservations to the
// state at the most recent checkpoint called label and discards that
// checkpoint and every later one.
func (tx *Transaction) Rollback(label string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}
	i, err := tx.findCheckpoint(label)
	if err != nil {
		return err
	}
	cp := tx.checkpoints[i]
	tx.rollbackTo(cp.undoMark, cp.nsMark)
	tx.checkpoints = tx.checkpoints[:i]
	return nil
}

// PopCheckpoint discards the most recent checkpoint called label, and
// every later one, keeping all changes.
func (tx *Transaction) PopCheckpoint(label string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}
	i, err := tx.findCheckpoint(label)
	if err != nil {
		return err
	}
	tx.checkpoints = tx.checkpoints[:i]
	return nil
}

// Checkpoints returns the labels of the checkpoint stack, oldest first.
func (tx *Transaction) Checkpoints() []string {
	return tx.Info().Checkpoints
}
