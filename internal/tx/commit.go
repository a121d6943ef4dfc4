package tx

import (
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// Commit validates the transaction and publishes its changes. A
// validation failure leaves the transaction open and unchanged. A
// durability failure aborts it; the committed store is untouched either
// way.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	tx.state = StateCommitting

	d, err := tx.publish()
	if err != nil {
		code := errs.CodeOf(err)
		metrics.CounterCommitFailures.WithLabelValues(string(code)).Inc()
		if code != errs.DurabilityFailure {
			tx.state = StateOpen
			tx.m.logger.Debug("commit rejected", "txid", tx.ID, "error", err)
			return err
		}
		tx.state = StateAborted
		tx.m.ns.Abort(tx.ID)
		tx.m.finish(tx)
		tx.m.logger.Error("commit failed, transaction aborted", "txid", tx.ID, "owner", tx.Owner, "error", err)
		return err
	}

	tx.state = StateCommitted
	tx.m.finish(tx)
	metrics.HistogramCommitDuration.Observe(time.Since(start).Seconds())

	if d == nil {
		tx.m.logger.Debug("empty transaction committed", "txid", tx.ID)
		return nil
	}
	metrics.CounterCommits.Inc()
	tx.m.logger.Info("transaction committed",
		"txid", tx.ID, "seq", d.Seq, "owner", tx.Owner, "label", tx.Label, "changes", len(d.Changes))
	if tx.m.notifier != nil {
		tx.m.notifier.Committed(d)
	}
	return nil
}

// publish validates and, if there is anything to publish, journals,
// applies and promotes the transaction under the commit lock. It returns
// nil when the transaction changed nothing.
func (tx *Transaction) publish() (*object.Delta, error) {
	m := tx.m
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := tx.validate(); err != nil {
		return nil, err
	}

	d := tx.delta()
	if d.Empty() {
		m.ns.Promote(tx.ID)
		return nil, nil
	}
	if err := m.store.Prepare(d); err != nil {
		return nil, err
	}

	if err := m.durability.AppendTransaction(d); err != nil {
		if !errs.Is(err, errs.DurabilityFailure) {
			err = errs.Durability(err, "append transaction")
		}
		return nil, err
	}
	if err := m.store.ApplyCommit(d); err != nil {
		// The entry is journaled but not applied; replay would diverge
		// from the live store.
		return nil, errs.Durability(err, "apply journaled commit")
	}
	m.ns.Promote(tx.ID)
	return d, nil
}

// validate checks everything that must hold at commit: required fields,
// consistency hooks, references and namespace claims.
func (tx *Transaction) validate() error {
	snap := tx.m.store.Snapshot()
	contained := make(map[object.Handle]bool)

	for _, h := range tx.order {
		w := tx.working[h]
		if w.deleted {
			continue
		}
		view := readView{w}

		for _, fd := range w.typ.Fields {
			vals := w.fields[fd.ID]
			if fd.Embedded {
				for _, v := range vals {
					contained[v.Ref] = true
				}
			}
			if len(vals) == 0 && w.typ.Custom.IsRequired(view, fd) {
				return errs.Field(errs.ValidationFailure, fd.Name, "%s %s requires a value", w.typ.Name, h)
			}
			if fd.Kind != object.KindRef || (w.base != nil && !w.dirty[fd.ID]) {
				continue
			}
			for _, v := range vals {
				if err := tx.checkRef(fd, v.Ref); err != nil {
					return err
				}
			}
		}

		if w.typ.Custom.Consistency != nil && (w.base == nil || len(w.dirty) > 0) {
			if err := w.typ.Custom.Consistency(view); err != nil {
				return err
			}
		}
	}

	for _, h := range tx.order {
		w := tx.working[h]
		if w.deleted || w.base != nil || !w.typ.IsEmbedded() {
			continue
		}
		if !contained[h] {
			return errs.Newf(errs.ValidationFailure, "%s %s is not attached to a %s", w.typ.Name, h, tx.containerName(w.typ))
		}
	}

	if err := tx.checkReferrers(snap); err != nil {
		return err
	}
	return tx.m.ns.Verify(tx.ID)
}

func (tx *Transaction) containerName(t *schema.ObjectType) string {
	if c, err := tx.m.store.GetType(t.Container); err == nil {
		return c.Name
	}
	return "container"
}

// checkReferrers fails if a committed object outside the working set, or
// a working copy, still refers to an object deleted in this transaction.
func (tx *Transaction) checkReferrers(snap *store.Snapshot) error {
	deleted := make(map[object.Handle]bool)
	for h, w := range tx.working {
		if w.deleted && w.base != nil {
			deleted[h] = true
		}
	}
	if len(deleted) == 0 {
		return nil
	}

	var err error
	for _, t := range tx.m.store.Schema().Types() {
		var refs []*schema.FieldDef
		for _, fd := range t.Fields {
			if fd.Kind == object.KindRef {
				refs = append(refs, fd)
			}
		}
		if len(refs) == 0 {
			continue
		}
		snap.Scan(t.ID, func(obj *object.Object) bool {
			fields := obj.Fields
			if w, ok := tx.working[obj.Handle]; ok {
				if w.deleted {
					return true
				}
				fields = w.fields
			}
			for _, fd := range refs {
				for _, v := range fields[fd.ID] {
					if deleted[v.Ref] {
						err = errs.Field(errs.ValidationFailure, fd.Name, "%s %s still refers to deleted object %s", t.Name, obj.Handle, v.Ref)
						return false
					}
				}
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// delta builds the field-level changes of the transaction in check-out
// order. Objects created and deleted in the same transaction vanish.
func (tx *Transaction) delta() *object.Delta {
	d := &object.Delta{
		TxID:  tx.ID,
		Owner: tx.Owner,
		Label: tx.Label,
		Time:  tx.m.now().UTC().Truncate(time.Millisecond),
	}

	for _, h := range tx.order {
		w := tx.working[h]
		switch {
		case w.base == nil && w.deleted:
			continue
		case w.base == nil:
			fields := make(map[object.FieldID][]object.Value, len(w.fields))
			for id, vals := range w.fields {
				if len(vals) > 0 {
					fields[id] = vals
				}
			}
			d.Changes = append(d.Changes, object.Change{Op: object.OpCreate, Handle: h, Fields: fields})
		case w.deleted:
			d.Changes = append(d.Changes, object.Change{Op: object.OpDelete, Handle: h})
		default:
			fields := make(map[object.FieldID][]object.Value)
			for id := range w.dirty {
				if !object.EqualValues(w.base.Fields[id], w.fields[id]) {
					fields[id] = w.fields[id]
				}
			}
			if len(fields) > 0 {
				d.Changes = append(d.Changes, object.Change{Op: object.OpUpdate, Handle: h, Fields: fields})
			}
		}
	}
	return d
}
