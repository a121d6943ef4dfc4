package schema

import (
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// Built-in type ids.
const (
	UserType      object.TypeID = 1
	GroupType     object.TypeID = 2
	SystemType    object.TypeID = 3
	InterfaceType object.TypeID = 4
	AutomountType object.TypeID = 5
)

// Built-in field ids of the user type.
const (
	UserUsername object.FieldID = iota + 1
	UserUID
	UserShell
	UserHome
	UserPassword
	UserGroups
	UserFullName
	UserDisabled
	UserExpires
	UserPerms
)

// Built-in field ids of the group type.
const (
	GroupName object.FieldID = iota + 1
	GroupGID
	GroupDescription
)

// Built-in field ids of the system type.
const (
	SystemHostname object.FieldID = iota + 1
	SystemIP
	SystemAliases
	SystemOwner
	SystemInterfaces
)

// Built-in field ids of the interface type.
const (
	InterfaceName object.FieldID = iota + 1
	InterfaceMAC
	InterfaceIP
)

// Built-in field ids of the automount type.
const (
	AutomountKey object.FieldID = iota + 1
	AutomountLocation
	AutomountOptions
)

// defaultSchema is the built-in schema used when no schema file is
// configured.
const defaultSchema = `
namespaces:
  - {name: username, description: login names}
  - {name: uid, description: numeric user ids}
  - {name: groupname, description: group names}
  - {name: gid, description: numeric group ids}
  - {name: hostname, case_insensitive: true, description: host names and aliases}
  - {name: ipaddr, description: host addresses}
  - {name: mac, case_insensitive: true, description: hardware addresses}
  - {name: automount, description: automount map keys}

types:
  - id: 1
    name: user
    description: login account
    fields:
      - {id: 1, name: username, kind: string, namespace: username, required: true, max_length: 32}
      - {id: 2, name: uid, kind: int, namespace: uid, required: true}
      - {id: 3, name: shell, kind: string}
      - {id: 4, name: home, kind: string}
      - {id: 5, name: password, kind: password}
      - {id: 6, name: groups, kind: ref, vector: true, target: group}
      - {id: 7, name: fullname, kind: string}
      - {id: 8, name: disabled, kind: bool}
      - {id: 9, name: expires, kind: date}
      - {id: 10, name: perms, kind: perm}

  - id: 2
    name: group
    description: unix group
    fields:
      - {id: 1, name: name, kind: string, namespace: groupname, required: true, max_length: 32}
      - {id: 2, name: gid, kind: int, namespace: gid, required: true}
      - {id: 3, name: description, kind: string}

  - id: 3
    name: system
    description: network host
    fields:
      - {id: 1, name: hostname, kind: string, namespace: hostname, required: true, max_length: 253}
      - {id: 2, name: ip, kind: ip, vector: true, namespace: ipaddr}
      - {id: 3, name: aliases, kind: string, vector: true, namespace: hostname}
      - {id: 4, name: owner, kind: ref, target: user}
      - {id: 5, name: interfaces, kind: ref, vector: true, target: interface, embedded: true}

  - id: 4
    name: interface
    description: network interface of a system
    container: system
    fields:
      - {id: 1, name: name, kind: string, required: true}
      - {id: 2, name: mac, kind: string, namespace: mac}
      - {id: 3, name: ip, kind: ip}

  - id: 5
    name: automount
    description: automount map entry
    fields:
      - {id: 1, name: key, kind: string, namespace: automount, required: true}
      - {id: 2, name: location, kind: string, required: true}
      - {id: 3, name: options, kind: string}
`

// Shells offered by the user type's shell choice list.
var Shells = []string{"/bin/bash", "/bin/sh", "/bin/zsh", "/usr/sbin/nologin"}

// Default returns the built-in schema with its stock customizations.
func Default() *Schema {
	s, err := Parse([]byte(defaultSchema))
	if err != nil {
		panic("schema: invalid built-in schema: " + err.Error())
	}
	if err := ApplyDefaultCustomizations(s); err != nil {
		panic("schema: " + err.Error())
	}
	return s
}

// ApplyDefaultCustomizations installs the stock hooks on the built-in
// types present in s.
func ApplyDefaultCustomizations(s *Schema) error {
	if _, err := s.TypeByName("user"); err == nil {
		if err := s.Customize("user", userCustomization()); err != nil {
			return err
		}
	}
	return nil
}

func userCustomization() Customization {
	return Customization{
		// A login shell needs a home directory.
		FieldRequired: func(obj View, f *FieldDef) bool {
			if f.ID != UserHome {
				return false
			}
			shell := obj.Get(UserShell)
			return len(shell) > 0 && shell[0].Str != "/usr/sbin/nologin"
		},
		WizardHook: func(obj Editable, f *FieldDef, vals []object.Value) error {
			if f.ID != UserUsername || len(vals) == 0 || len(obj.Get(UserHome)) > 0 {
				return nil
			}
			return obj.Set(UserHome, object.String("/home/"+vals[0].Str))
		},
		Consistency: func(obj View) error {
			if uid := obj.Get(UserUID); len(uid) > 0 && uid[0].Int < 0 {
				return errs.Field(errs.ValidationFailure, "uid", "negative uid %d", uid[0].Int)
			}
			if home := obj.Get(UserHome); len(home) > 0 && !strings.HasPrefix(home[0].Str, "/") {
				return errs.Field(errs.ValidationFailure, "home", "home directory must be absolute")
			}
			return nil
		},
		ChoiceList: func(obj View, f *FieldDef) []object.Value {
			if f.ID != UserShell {
				return nil
			}
			out := make([]object.Value, len(Shells))
			for i, sh := range Shells {
				out[i] = object.String(sh)
			}
			return out
		},
	}
}
