package wizard

import (
	"strconv"
)

// Params understood by DeleteConfirm.
const (
	ParamTarget   = "target"
	ParamChildren = "children"
)

// DeleteConfirm confirms the deletion of an object. When the children
// param is a positive count of embedded objects deleted with it, a second
// step confirms the cascade.
var DeleteConfirm = &Wizard{
	Name:  "delete",
	Start: "confirm",
	Steps: map[string]Step{
		"confirm": {
			Question: "Delete {target}?",
			Choices:  []string{"yes", "no"},
			Default:  "no",
			Next: func(answer string, st State) Transition {
				if answer != "yes" {
					return End(Abort, "{target} kept")
				}
				if n, _ := strconv.Atoi(st.Params[ParamChildren]); n > 0 {
					return Goto("cascade")
				}
				return End(Commit, "{target} deleted")
			},
		},
		"cascade": {
			Question: "{target} contains {children} embedded objects that will be deleted too. Continue?",
			Choices:  []string{"yes", "no"},
			Default:  "no",
			Next: func(answer string, st State) Transition {
				if answer != "yes" {
					return End(Abort, "{target} kept")
				}
				return End(Commit, "{target} and {children} embedded objects deleted")
			},
		},
	},
}
