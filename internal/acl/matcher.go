package acl

import (
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// groupPrefix introduces a group subject, e.g. "group:wheel".
const groupPrefix = "group:"

// MatchesSubject checks if principal p is the subject of rule when acting
// on the object h.
func MatchesSubject(rule *Rule, p *Principal, h object.Handle) bool {
	subject := strings.ToLower(strings.TrimSpace(rule.Subject))

	switch subject {
	case "*":
		return true

	case "anonymous":
		return p.IsAnonymous()

	case "authenticated":
		return !p.IsAnonymous()

	case "admin":
		return p != nil && p.Admin

	case "self":
		return !p.IsAnonymous() && !p.Handle.IsZero() && p.Handle == h

	default:
		if strings.HasPrefix(subject, groupPrefix) {
			return p.InGroup(subject[len(groupPrefix):])
		}
		return !p.IsAnonymous() && strings.EqualFold(p.Name, subject)
	}
}

// matchPerms looks up the principal's permission matrix. A row for the
// exact field wins over the row for the whole type.
func matchPerms(perms []object.PermEntry, h object.Handle, f object.FieldID, op Right) (allowed, found bool) {
	var typeRow *object.PermEntry
	for i := range perms {
		row := &perms[i]
		if row.Type != h.Type {
			continue
		}
		if f != 0 && row.Field == f {
			return row.Bits&op.permBits() == op.permBits(), true
		}
		if row.Field == 0 {
			typeRow = row
		}
	}
	if typeRow == nil {
		return false, false
	}
	return typeRow.Bits&op.permBits() == op.permBits(), true
}
