package schema

import (
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// View is read access to an object seen by customization hooks.
type View interface {
	Handle() object.Handle
	Type() *ObjectType
	Get(f object.FieldID) []object.Value
	IsNew() bool
}

// Editable is a View inside an open transaction. Set goes through the
// same checks as any other field assignment.
type Editable interface {
	View
	Set(f object.FieldID, vals ...object.Value) error
}

// Customization is the per-type capability bundle. Nil members are
// skipped.
type Customization struct {
	// FieldRequired reports whether f must be set on obj at commit, in
	// addition to the statically required fields.
	FieldRequired func(obj View, f *FieldDef) bool

	// WizardHook runs after a field of obj was assigned vals. A returned
	// error undoes the assignment.
	WizardHook func(obj Editable, f *FieldDef, vals []object.Value) error

	// Consistency validates a created or edited object at commit.
	Consistency func(obj View) error

	// ChoiceList returns candidate values for f.
	ChoiceList func(obj View, f *FieldDef) []object.Value
}

// IsRequired reports whether f must be set on obj.
func (c *Customization) IsRequired(obj View, f *FieldDef) bool {
	if f.Required {
		return true
	}
	if c.FieldRequired == nil {
		return false
	}
	return c.FieldRequired(obj, f)
}

// Choices returns the choice list of f on obj, or nil.
func (c *Customization) Choices(obj View, f *FieldDef) []object.Value {
	if c.ChoiceList == nil {
		return nil
	}
	return c.ChoiceList(obj, f)
}

// committedView adapts a committed object to View.
type committedView struct {
	t   *ObjectType
	obj *object.Object
}

// ViewOf returns a read-only View of a committed object.
func ViewOf(t *ObjectType, obj *object.Object) View {
	return committedView{t: t, obj: obj}
}

func (v committedView) Handle() object.Handle { return v.obj.Handle }

func (v committedView) Type() *ObjectType { return v.t }

func (v committedView) Get(f object.FieldID) []object.Value { return v.obj.Get(f) }

func (v committedView) IsNew() bool { return false }
