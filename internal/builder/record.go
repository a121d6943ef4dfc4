package builder

import (
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// Data is the root value templates are executed against.
type Data struct {
	Builder string
	Seq     uint64
	Time    time.Time

	// Objects maps type names to the watched objects of that type in
	// store order.
	Objects map[string][]Record

	snap   *store.Snapshot
	schema *schema.Schema
}

// Of returns the records of the named type.
func (d *Data) Of(typeName string) []Record {
	return d.Objects[typeName]
}

// Record exposes one committed object to templates by field name.
type Record struct {
	obj  *object.Object
	typ  *schema.ObjectType
	data *Data
}

// Handle returns the object's handle in "type:id" form.
func (r Record) Handle() string {
	return r.obj.Handle.String()
}

// ID returns the object's local id.
func (r Record) ID() uint32 {
	return r.obj.Handle.ID
}

// Type returns the object's type name.
func (r Record) Type() string {
	return r.typ.Name
}

func (r Record) values(field string) []object.Value {
	f, err := r.typ.FieldByName(field)
	if err != nil {
		return nil
	}
	return r.obj.Get(f.ID)
}

// Get returns the first value of field as text, or "" when it is unset.
func (r Record) Get(field string) string {
	vals := r.values(field)
	if len(vals) == 0 {
		return ""
	}
	return vals[0].String()
}

// All returns every value of field as text.
func (r Record) All(field string) []string {
	vals := r.values(field)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.String()
	}
	return out
}

// Has reports whether field holds at least one value.
func (r Record) Has(field string) bool {
	return len(r.values(field)) > 0
}

// Ref follows a reference field and returns its targets. Dangling
// references are skipped.
func (r Record) Ref(field string) []Record {
	var out []Record
	for _, v := range r.values(field) {
		if v.Kind != object.KindRef {
			continue
		}
		obj, ok := r.data.snap.Get(v.Ref)
		if !ok {
			continue
		}
		typ, err := r.data.schema.Type(obj.Handle.Type)
		if err != nil {
			continue
		}
		out = append(out, Record{obj: obj, typ: typ, data: r.data})
	}
	return out
}

// Referrers returns the objects of typeName whose field references r,
// in store order.
func (r Record) Referrers(typeName, field string) []Record {
	typ, err := r.data.schema.TypeByName(typeName)
	if err != nil {
		return nil
	}
	f, err := typ.FieldByName(field)
	if err != nil || f.Kind != object.KindRef {
		return nil
	}
	var out []Record
	r.data.snap.Scan(typ.ID, func(obj *object.Object) bool {
		for _, v := range obj.Get(f.ID) {
			if v.Ref == r.obj.Handle {
				out = append(out, Record{obj: obj, typ: typ, data: r.data})
				break
			}
		}
		return true
	})
	return out
}

// funcs are the helper functions available to every template.
var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"sorted": func(in []string) []string {
		out := append([]string(nil), in...)
		sort.Strings(out)
		return out
	},
	"names": func(field string, recs []Record) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.Get(field))
		}
		return out
	},
	"default": func(def, s string) string {
		if s == "" {
			return def
		}
		return s
	},
}
