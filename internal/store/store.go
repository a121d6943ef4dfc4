package store

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// Store errors.
var (
	ErrOutOfOrder = errors.New("commit sequence out of order")
)

// Store is the committed object graph. Reads are lock-free; commits are
// serialized among themselves.
type Store struct {
	schema  *schema.Schema
	current atomic.Pointer[Snapshot]

	// mu serializes writers. Readers never take it.
	mu sync.Mutex

	idMu   sync.Mutex
	nextID map[object.TypeID]uint32
}

// New creates an empty store for schema s.
func New(s *schema.Schema) *Store {
	st := &Store{
		schema: s,
		nextID: make(map[object.TypeID]uint32),
	}
	st.current.Store(emptySnapshot())
	return st
}

// Schema returns the schema of the store.
func (s *Store) Schema() *schema.Schema {
	return s.schema
}

// GetType returns the type with the given id.
func (s *Store) GetType(id object.TypeID) (*schema.ObjectType, error) {
	return s.schema.Type(id)
}

// Snapshot returns the current committed snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Seq returns the sequence number of the last applied commit.
func (s *Store) Seq() uint64 {
	return s.Snapshot().seq
}

// Get returns the committed object with handle h.
func (s *Store) Get(h object.Handle) (*object.Object, error) {
	obj, ok := s.Snapshot().Get(h)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "object %s not found", h)
	}
	return obj, nil
}

// Scan calls fn for every committed object of type t in ascending id order
// until fn returns false.
func (s *Store) Scan(t object.TypeID, fn func(*object.Object) bool) error {
	if _, err := s.schema.Type(t); err != nil {
		return err
	}
	s.Snapshot().Scan(t, fn)
	return nil
}

// AllocateID reserves a fresh local id for a new object of type t. Ids of
// objects that are never committed are not reused.
func (s *Store) AllocateID(t object.TypeID) uint32 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if s.nextID[t] == 0 {
		s.nextID[t] = s.Snapshot().maxID(t) + 1
	}
	id := s.nextID[t]
	s.nextID[t]++
	return id
}

// Prepare checks that d applies cleanly to the current snapshot: created
// handles are free, updated and deleted handles exist and every type is
// known. It changes nothing.
func (s *Store) Prepare(d *object.Delta) error {
	return s.prepare(s.Snapshot(), d)
}

func (s *Store) prepare(snap *Snapshot, d *object.Delta) error {
	seen := make(map[object.Handle]bool, len(d.Changes))
	for _, c := range d.Changes {
		if _, err := s.schema.Type(c.Handle.Type); err != nil {
			return err
		}
		if seen[c.Handle] {
			return errs.Newf(errs.ValidationFailure, "object %s changed twice in one commit", c.Handle)
		}
		seen[c.Handle] = true
		_, exists := snap.Get(c.Handle)
		switch c.Op {
		case object.OpCreate:
			if exists {
				return errs.Newf(errs.ValidationFailure, "object %s already exists", c.Handle)
			}
		case object.OpUpdate, object.OpDelete:
			if !exists {
				return errs.Newf(errs.NotFound, "object %s not found", c.Handle)
			}
		default:
			return errs.Newf(errs.ValidationFailure, "object %s: invalid change op %d", c.Handle, c.Op)
		}
	}
	return nil
}

// ApplyCommit installs every change of d as one atomic swap. d.Seq must
// be greater than the sequence number of the current snapshot.
func (s *Store) ApplyCommit(d *object.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	if d.Seq <= cur.seq {
		return ErrOutOfOrder
	}
	if err := s.prepare(cur, d); err != nil {
		return err
	}

	next := &Snapshot{tables: cur.tables, typeSeq: cur.typeSeq, seq: d.Seq}
	touched := make(map[object.TypeID]*table)
	for _, c := range d.Changes {
		tbl, ok := touched[c.Handle.Type]
		if !ok {
			if tbl, ok = next.tables.Get(c.Handle.Type); !ok {
				tbl = newTable()
			}
		}
		base, _ := tbl.Get(c.Handle.ID)
		if obj := c.Apply(base, d.Seq, d.Time); obj != nil {
			tbl = tbl.Set(c.Handle.ID, obj)
		} else {
			tbl = tbl.Delete(c.Handle.ID)
		}
		touched[c.Handle.Type] = tbl
	}
	for t, tbl := range touched {
		next.tables = next.tables.Set(t, tbl)
		next.typeSeq = next.typeSeq.Set(t, d.Seq)
	}

	s.current.Store(next)
	return nil
}

// Replace swaps the whole graph for objs at sequence number seq. It is the
// bulk entry point used by load and bypasses all validation.
func (s *Store) Replace(objs []*object.Object, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := emptySnapshot()
	next.seq = seq
	builders := make(map[object.TypeID]*immutable.SortedMapBuilder[uint32, *object.Object])
	for _, obj := range objs {
		b, ok := builders[obj.Handle.Type]
		if !ok {
			b = immutable.NewSortedMapBuilder[uint32, *object.Object](idComparer{})
			builders[obj.Handle.Type] = b
		}
		b.Set(obj.Handle.ID, obj)
	}
	for t, b := range builders {
		next.tables = next.tables.Set(t, b.Map())
		next.typeSeq = next.typeSeq.Set(t, seq)
	}

	s.current.Store(next)

	s.idMu.Lock()
	s.nextID = make(map[object.TypeID]uint32)
	s.idMu.Unlock()
}

// Objects returns every committed object ordered by handle.
func (s *Store) Objects() []*object.Object {
	snap := s.Snapshot()
	var out []*object.Object
	for _, t := range snap.Types() {
		snap.Scan(t, func(obj *object.Object) bool {
			out = append(out, obj)
			return true
		})
	}
	return out
}
