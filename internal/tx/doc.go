// Package tx implements transactions against the committed object store.
//
// # Overview
//
// A transaction checks objects out of the store into private working
// copies, edits them field by field and commits all changes at once:
//
//   - Isolation: an object is checked out by at most one transaction
//   - Uniqueness: namespace-bound values are claimed as they are set
//   - Atomicity: a commit is journaled, applied and promoted as a unit
//   - Durability: the journal entry is on disk before commit returns
//
// # Transaction Lifecycle
//
//	tx := manager.Open(principal, "add alice")
//
//	user, err := tx.CreateObject(schema.UserType)
//	if err != nil {
//	    tx.Abort()
//	    return err
//	}
//	if err := user.Set(schema.UserUsername, object.String("alice")); err != nil {
//	    // the field is unchanged; the transaction stays usable
//	}
//
//	if err := tx.Commit(); err != nil {
//	    // validation failures leave the transaction open
//	}
//
// # Transaction States
//
//   - Open: edits are accepted
//   - Committing: validation and publication in progress
//   - Committed: changes are visible in the store
//   - Aborted: changes and reservations were discarded
//
// # Checkpoints
//
// Checkpoints are named marks in the transaction's undo log. Rolling back
// to a checkpoint replays the log backwards to the mark, restoring the
// working set and the namespace reservations exactly; the cost is
// proportional to the changes made since the checkpoint.
//
//	tx.Checkpoint("cp1")
//	user.Set(schema.UserShell, object.String("/bin/zsh"))
//	tx.Rollback("cp1") // shell is back to its value at cp1
package tx
