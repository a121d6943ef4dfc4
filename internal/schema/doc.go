// Package schema provides the object type definitions of the directory:
// object types, field definitions, namespaces and the per-type
// customization bundles injected at schema load.
//
// # Overview
//
// A Schema is built once at startup and read concurrently afterwards. It
// contains:
//
//   - Namespaces: named uniqueness domains, optionally case-insensitive
//   - Object types: top-level or embedded in a container type
//   - Field definitions: value kind, scalar or vector, namespace binding
//   - Customizations: function bundles consulted by the transaction engine
//
// # Object Types
//
// Types are declared in YAML:
//
//	namespaces:
//	  - name: username
//	types:
//	  - id: 1
//	    name: user
//	    fields:
//	      - {id: 1, name: username, kind: string, namespace: username, required: true}
//	      - {id: 2, name: uid, kind: int, required: true}
//	      - {id: 3, name: groups, kind: ref, vector: true, target: group}
//
// and loaded with:
//
//	s, err := schema.Load("/etc/dirmgr/schema.yaml")
//
// or taken from the built-in defaults:
//
//	s := schema.Default()
//
// # Customizations
//
// Per-type behavior is a struct of function values rather than a type
// hierarchy:
//
//	s.Customize("user", schema.Customization{
//	    ChoiceList: func(obj schema.View, f *schema.FieldDef) []object.Value {
//	        ...
//	    },
//	})
//
// Every hook is optional.
package schema
