// Package store holds the committed object graph as immutable snapshots.
//
// Readers load the current snapshot with one atomic pointer read and never
// block. Commits build a new snapshot that shares every untouched type
// table and object with its predecessor, then publish it with one atomic
// store.
package store

import (
	"sort"

	"github.com/benbjohnson/immutable"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// table maps local ids to committed objects in ascending id order.
type table = immutable.SortedMap[uint32, *object.Object]

// typeHasher implements immutable.Hasher for type ids.
type typeHasher struct{}

// Hash returns a hash for key.
func (typeHasher) Hash(key object.TypeID) uint32 {
	return uint32(key) * 2654435761
}

// Equal returns true if a and b are the same type id.
func (typeHasher) Equal(a, b object.TypeID) bool {
	return a == b
}

// idComparer implements immutable.Comparer for local ids.
type idComparer struct{}

// Compare returns -1, 0 or 1 as a is less than, equal to or greater than b.
func (idComparer) Compare(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Snapshot is one committed version of the object graph. A Snapshot is
// never modified after it is published.
type Snapshot struct {
	tables  *immutable.Map[object.TypeID, *table]
	typeSeq *immutable.Map[object.TypeID, uint64]
	seq     uint64
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		tables:  immutable.NewMap[object.TypeID, *table](typeHasher{}),
		typeSeq: immutable.NewMap[object.TypeID, uint64](typeHasher{}),
	}
}

func newTable() *table {
	return immutable.NewSortedMap[uint32, *object.Object](idComparer{})
}

// Seq returns the sequence number of the last commit in the snapshot.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// TypeSeq returns the sequence number of the last commit that changed an
// object of type t (0 if none has).
func (s *Snapshot) TypeSeq(t object.TypeID) uint64 {
	seq, _ := s.typeSeq.Get(t)
	return seq
}

// Get returns the object with handle h.
func (s *Snapshot) Get(h object.Handle) (*object.Object, bool) {
	tbl, ok := s.tables.Get(h.Type)
	if !ok {
		return nil, false
	}
	return tbl.Get(h.ID)
}

// Len returns the number of objects of type t.
func (s *Snapshot) Len(t object.TypeID) int {
	tbl, ok := s.tables.Get(t)
	if !ok {
		return 0
	}
	return tbl.Len()
}

// Scan calls fn for every object of type t in ascending id order until fn
// returns false.
func (s *Snapshot) Scan(t object.TypeID, fn func(*object.Object) bool) {
	tbl, ok := s.tables.Get(t)
	if !ok {
		return
	}
	itr := tbl.Iterator()
	for !itr.Done() {
		_, obj, _ := itr.Next()
		if !fn(obj) {
			return
		}
	}
}

// Handles returns the handles of all objects of type t in ascending id
// order.
func (s *Snapshot) Handles(t object.TypeID) []object.Handle {
	out := make([]object.Handle, 0, s.Len(t))
	s.Scan(t, func(obj *object.Object) bool {
		out = append(out, obj.Handle)
		return true
	})
	return out
}

// Types returns the ids of the types that have at least one object, in
// ascending order.
func (s *Snapshot) Types() []object.TypeID {
	var out []object.TypeID
	itr := s.tables.Iterator()
	for !itr.Done() {
		t, tbl, _ := itr.Next()
		if tbl.Len() > 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// maxID returns the highest local id in use for type t.
func (s *Snapshot) maxID(t object.TypeID) uint32 {
	tbl, ok := s.tables.Get(t)
	if !ok || tbl.Len() == 0 {
		return 0
	}
	itr := tbl.Iterator()
	itr.Last()
	id, _, _ := itr.Next()
	return id
}
