package schema

import (
	"sort"
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// Namespace is a uniqueness domain shared by one or more fields.
type Namespace struct {
	Name            string
	CaseInsensitive bool
	Description     string
}

// Fold returns the table key of v in this namespace.
func (n *Namespace) Fold(v object.Value) string {
	k := v.Key()
	if n.CaseInsensitive {
		return strings.ToLower(k)
	}
	return k
}

// FieldDef describes one field of an object type.
type FieldDef struct {
	ID          object.FieldID
	Name        string
	Kind        object.Kind
	Vector      bool
	Namespace   string
	Required    bool
	Description string

	// TargetType restricts reference fields to one type (0 = any).
	TargetType object.TypeID

	// Embedded marks a reference vector whose targets are owned by the
	// object and deleted with it.
	Embedded bool

	// MaxLength bounds string values (0 = unbounded).
	MaxLength int
}

// ObjectType describes one object type.
type ObjectType struct {
	ID          object.TypeID
	Name        string
	Description string
	Fields      []*FieldDef

	// Container is the owning type of an embedded type (0 = top-level).
	Container object.TypeID

	Custom Customization

	byID   map[object.FieldID]*FieldDef
	byName map[string]*FieldDef
}

// IsEmbedded reports whether objects of this type live inside a container.
func (t *ObjectType) IsEmbedded() bool {
	return t.Container != 0
}

// Field returns the field with the given id.
func (t *ObjectType) Field(id object.FieldID) (*FieldDef, error) {
	if f, ok := t.byID[id]; ok {
		return f, nil
	}
	return nil, errs.Newf(errs.SchemaError, "type %s has no field %d", t.Name, id)
}

// FieldByName returns the field with the given name.
func (t *ObjectType) FieldByName(name string) (*FieldDef, error) {
	if f, ok := t.byName[name]; ok {
		return f, nil
	}
	return nil, errs.Newf(errs.SchemaError, "type %s has no field %q", t.Name, name)
}

// NamespaceFields returns the fields bound to a namespace.
func (t *ObjectType) NamespaceFields() []*FieldDef {
	var out []*FieldDef
	for _, f := range t.Fields {
		if f.Namespace != "" {
			out = append(out, f)
		}
	}
	return out
}

// RequiredFields returns the statically required fields.
func (t *ObjectType) RequiredFields() []*FieldDef {
	var out []*FieldDef
	for _, f := range t.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

func (t *ObjectType) index() error {
	t.byID = make(map[object.FieldID]*FieldDef, len(t.Fields))
	t.byName = make(map[string]*FieldDef, len(t.Fields))
	for _, f := range t.Fields {
		if f.ID == 0 {
			return errs.Newf(errs.SchemaError, "type %s: field %q has no id", t.Name, f.Name)
		}
		if f.Name == "" {
			return errs.Newf(errs.SchemaError, "type %s: field %d has no name", t.Name, f.ID)
		}
		if f.Kind == object.KindInvalid {
			return errs.Newf(errs.SchemaError, "type %s: field %s has no kind", t.Name, f.Name)
		}
		if _, dup := t.byID[f.ID]; dup {
			return errs.Newf(errs.SchemaError, "type %s: duplicate field id %d", t.Name, f.ID)
		}
		if _, dup := t.byName[f.Name]; dup {
			return errs.Newf(errs.SchemaError, "type %s: duplicate field name %q", t.Name, f.Name)
		}
		if f.Embedded && (f.Kind != object.KindRef || !f.Vector) {
			return errs.Newf(errs.SchemaError, "type %s: embedded field %s must be a reference vector", t.Name, f.Name)
		}
		t.byID[f.ID] = f
		t.byName[f.Name] = f
	}
	return nil
}

// Schema is the registry of namespaces and object types. It is populated
// before the server starts and only read afterwards.
type Schema struct {
	types      map[object.TypeID]*ObjectType
	typeNames  map[string]*ObjectType
	namespaces map[string]*Namespace
}

// New creates an empty schema.
func New() *Schema {
	return &Schema{
		types:      make(map[object.TypeID]*ObjectType),
		typeNames:  make(map[string]*ObjectType),
		namespaces: make(map[string]*Namespace),
	}
}

// AddNamespace declares a namespace.
func (s *Schema) AddNamespace(ns *Namespace) error {
	if ns.Name == "" {
		return errs.New(errs.SchemaError, "namespace has no name")
	}
	if _, dup := s.namespaces[ns.Name]; dup {
		return errs.Newf(errs.SchemaError, "duplicate namespace %q", ns.Name)
	}
	s.namespaces[ns.Name] = ns
	return nil
}

// AddType registers an object type. Namespaces bound by its fields must be
// declared first. Cross-type references are checked by Validate.
func (s *Schema) AddType(t *ObjectType) error {
	if t.ID == 0 {
		return errs.Newf(errs.SchemaError, "type %q has no id", t.Name)
	}
	if t.Name == "" {
		return errs.Newf(errs.SchemaError, "type %d has no name", t.ID)
	}
	if _, dup := s.types[t.ID]; dup {
		return errs.Newf(errs.SchemaError, "duplicate type id %d", t.ID)
	}
	if _, dup := s.typeNames[t.Name]; dup {
		return errs.Newf(errs.SchemaError, "duplicate type name %q", t.Name)
	}
	if err := t.index(); err != nil {
		return err
	}
	for _, f := range t.Fields {
		if f.Namespace == "" {
			continue
		}
		if _, ok := s.namespaces[f.Namespace]; !ok {
			return errs.Newf(errs.SchemaError, "type %s: field %s bound to undeclared namespace %q", t.Name, f.Name, f.Namespace)
		}
		if f.Kind == object.KindPerm || f.Kind == object.KindPassword {
			return errs.Newf(errs.SchemaError, "type %s: %s field %s cannot be namespace-bound", t.Name, f.Kind, f.Name)
		}
	}
	s.types[t.ID] = t
	s.typeNames[t.Name] = t
	return nil
}

// Validate checks references between types: reference targets and
// container types must exist, and embedded types must be targeted by an
// embedded field of their container.
func (s *Schema) Validate() error {
	for _, t := range s.Types() {
		for _, f := range t.Fields {
			if f.TargetType == 0 {
				continue
			}
			target, ok := s.types[f.TargetType]
			if !ok {
				return errs.Newf(errs.SchemaError, "type %s: field %s targets unknown type %d", t.Name, f.Name, f.TargetType)
			}
			if f.Embedded && target.Container != t.ID {
				return errs.Newf(errs.SchemaError, "type %s: embedded field %s targets %s which is not contained by %s", t.Name, f.Name, target.Name, t.Name)
			}
		}
		if t.Container == 0 {
			continue
		}
		c, ok := s.types[t.Container]
		if !ok {
			return errs.Newf(errs.SchemaError, "type %s: unknown container type %d", t.Name, t.Container)
		}
		found := false
		for _, f := range c.Fields {
			if f.Embedded && f.TargetType == t.ID {
				found = true
				break
			}
		}
		if !found {
			return errs.Newf(errs.SchemaError, "type %s: container %s has no embedded field for it", t.Name, c.Name)
		}
	}
	return nil
}

// Type returns the type with the given id.
func (s *Schema) Type(id object.TypeID) (*ObjectType, error) {
	if t, ok := s.types[id]; ok {
		return t, nil
	}
	return nil, errs.Newf(errs.SchemaError, "unknown type %d", id)
}

// TypeByName returns the type with the given name.
func (s *Schema) TypeByName(name string) (*ObjectType, error) {
	if t, ok := s.typeNames[name]; ok {
		return t, nil
	}
	return nil, errs.Newf(errs.SchemaError, "unknown type %q", name)
}

// Types returns all types ordered by id.
func (s *Schema) Types() []*ObjectType {
	out := make([]*ObjectType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Namespace returns the namespace with the given name.
func (s *Schema) Namespace(name string) (*Namespace, bool) {
	ns, ok := s.namespaces[name]
	return ns, ok
}

// Namespaces returns all namespaces ordered by name.
func (s *Schema) Namespaces() []*Namespace {
	out := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Customize installs the customization bundle of the named type.
func (s *Schema) Customize(typeName string, c Customization) error {
	t, err := s.TypeByName(typeName)
	if err != nil {
		return err
	}
	t.Custom = c
	return nil
}
