package server

import (
	"sort"

	"github.com/KilimcininKorOglu/dirmgr/internal/namespace"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// Dangling is a reference to an object that does not exist or has the
// wrong type.
type Dangling struct {
	From  object.Handle
	Field string
	To    object.Handle
}

// Missing is a required field without a value.
type Missing struct {
	Object object.Handle
	Field  string
}

// Report is the result of an integrity check of the committed state.
type Report struct {
	Seq        uint64
	Objects    int
	Duplicates []namespace.Duplicate
	Dangling   []Dangling
	Missing    []Missing

	// Orphans are embedded objects no container references.
	Orphans []object.Handle
}

// OK reports whether the check found no problem.
func (r *Report) OK() bool {
	return len(r.Duplicates) == 0 && len(r.Dangling) == 0 && len(r.Missing) == 0 && len(r.Orphans) == 0
}

// Verify checks the committed state for namespace duplicates, dangling
// references, missing required fields and orphaned embedded objects.
func (s *Server) Verify() *Report {
	return Verify(s.store)
}

// Verify checks the committed state of st. It reads one snapshot and never
// touches the live namespace tables.
func Verify(st *store.Store) *Report {
	sch := st.Schema()
	snap := st.Snapshot()
	var objs []*object.Object
	for _, t := range snap.Types() {
		snap.Scan(t, func(obj *object.Object) bool {
			objs = append(objs, obj)
			return true
		})
	}

	r := &Report{Seq: snap.Seq(), Objects: len(objs)}
	r.Duplicates = namespace.New(sch).Rebuild(objs)

	owned := make(map[object.Handle]bool)
	for _, obj := range objs {
		t, err := sch.Type(obj.Handle.Type)
		if err != nil {
			continue
		}
		for _, f := range t.RequiredFields() {
			if len(obj.Get(f.ID)) == 0 {
				r.Missing = append(r.Missing, Missing{Object: obj.Handle, Field: f.Name})
			}
		}
		for _, f := range t.Fields {
			if f.Kind != object.KindRef {
				continue
			}
			for _, v := range obj.Get(f.ID) {
				if f.Embedded {
					owned[v.Ref] = true
				}
				if !refValid(snap, f, v.Ref) {
					r.Dangling = append(r.Dangling, Dangling{From: obj.Handle, Field: f.Name, To: v.Ref})
				}
			}
		}
	}

	for _, obj := range objs {
		t, err := sch.Type(obj.Handle.Type)
		if err == nil && t.IsEmbedded() && !owned[obj.Handle] {
			r.Orphans = append(r.Orphans, obj.Handle)
		}
	}
	sort.Slice(r.Orphans, func(i, j int) bool { return r.Orphans[i].Less(r.Orphans[j]) })
	return r
}

func refValid(snap *store.Snapshot, f *schema.FieldDef, h object.Handle) bool {
	if f.TargetType != 0 && h.Type != f.TargetType {
		return false
	}
	_, ok := snap.Get(h)
	return ok
}
