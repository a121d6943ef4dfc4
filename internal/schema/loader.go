package schema

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// Loader errors
var (
	ErrSchemaFileNotFound = errors.New("schema file not found")
)

// fileSchema is the YAML layout of a schema file.
type fileSchema struct {
	Namespaces []fileNamespace `yaml:"namespaces"`
	Types      []fileType      `yaml:"types"`
}

type fileNamespace struct {
	Name            string `yaml:"name"`
	CaseInsensitive bool   `yaml:"case_insensitive"`
	Description     string `yaml:"description"`
}

type fileType struct {
	ID          uint16      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Container   string      `yaml:"container"`
	Fields      []fileField `yaml:"fields"`
}

type fileField struct {
	ID          uint16 `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Vector      bool   `yaml:"vector"`
	Namespace   string `yaml:"namespace"`
	Required    bool   `yaml:"required"`
	Target      string `yaml:"target"`
	Embedded    bool   `yaml:"embedded"`
	MaxLength   int    `yaml:"max_length"`
	Description string `yaml:"description"`
}

// Load loads a schema from the YAML file at path.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSchemaFileNotFound
		}
		return nil, err
	}
	return Parse(data)
}

// Parse builds a schema from YAML. Type names used as container or
// reference target may appear anywhere in the document.
func Parse(data []byte) (*Schema, error) {
	var doc fileSchema
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.New(errs.SchemaError, err.Error()), "parse schema")
	}

	s := New()
	for _, ns := range doc.Namespaces {
		if err := s.AddNamespace(&Namespace{Name: ns.Name, CaseInsensitive: ns.CaseInsensitive, Description: ns.Description}); err != nil {
			return nil, err
		}
	}

	ids := make(map[string]object.TypeID, len(doc.Types))
	for _, ft := range doc.Types {
		ids[ft.Name] = object.TypeID(ft.ID)
	}
	resolve := func(owner, name string) (object.TypeID, error) {
		if name == "" {
			return 0, nil
		}
		id, ok := ids[name]
		if !ok {
			return 0, errs.Newf(errs.SchemaError, "type %s: unknown type %q", owner, name)
		}
		return id, nil
	}

	for _, ft := range doc.Types {
		t := &ObjectType{ID: object.TypeID(ft.ID), Name: ft.Name, Description: ft.Description}
		var err error
		if t.Container, err = resolve(ft.Name, ft.Container); err != nil {
			return nil, err
		}
		for _, ff := range ft.Fields {
			kind, err := object.ParseKind(ff.Kind)
			if err != nil {
				return nil, errs.Newf(errs.SchemaError, "type %s: field %s: %v", ft.Name, ff.Name, err)
			}
			target, err := resolve(ft.Name, ff.Target)
			if err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, &FieldDef{
				ID:          object.FieldID(ff.ID),
				Name:        ff.Name,
				Kind:        kind,
				Vector:      ff.Vector,
				Namespace:   ff.Namespace,
				Required:    ff.Required,
				TargetType:  target,
				Embedded:    ff.Embedded,
				MaxLength:   ff.MaxLength,
				Description: ff.Description,
			})
		}
		if err := s.AddType(t); err != nil {
			return nil, err
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
