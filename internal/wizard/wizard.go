// Package wizard runs multi-step confirmation dialogs as finite state
// machines.
//
// A wizard never holds state between round trips. The caller keeps a
// State value, which serializes to JSON, and feeds each answer through
// Respond, which returns the next state together with either the next
// prompt or the final result:
//
//	st, prompt := wizard.DeleteConfirm.Begin(map[string]string{"target": "user alice"})
//	// show prompt, read answer
//	st, reply, err := wizard.DeleteConfirm.Respond(st, "yes")
//	if reply.Result != nil {
//	    err = wizard.Finish(*reply.Result, txn)
//	}
//
// The transaction engine only sees the final decision through Finish.
package wizard

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
)

// Decision is the outcome of a finished wizard.
type Decision string

const (
	Pending Decision = ""
	Commit  Decision = "commit"
	Abort   Decision = "abort"
)

// State is the serializable progress of one wizard run.
type State struct {
	Wizard  string            `json:"wizard"`
	Step    string            `json:"step,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`

	// Decision is set once the wizard has finished.
	Decision Decision `json:"decision,omitempty"`
}

// Done reports whether the run has finished.
func (s State) Done() bool {
	return s.Decision != Pending
}

func (s State) clone() State {
	out := s
	out.Params = copyMap(s.Params)
	out.Answers = copyMap(s.Answers)
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Prompt asks for one answer.
type Prompt struct {
	Step     string   `json:"step"`
	Question string   `json:"question"`
	Choices  []string `json:"choices,omitempty"`
	Default  string   `json:"default,omitempty"`
}

// Result is the outcome of a finished run.
type Result struct {
	Decision Decision          `json:"decision"`
	Answers  map[string]string `json:"answers,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// Reply carries exactly one of Prompt and Result.
type Reply struct {
	Prompt *Prompt `json:"prompt,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// Transition names the next step, or ends the run with a decision.
type Transition struct {
	Next     string
	Decision Decision
	Message  string
}

// Goto moves to step.
func Goto(step string) Transition { return Transition{Next: step} }

// End ends the run with decision d.
func End(d Decision, message string) Transition { return Transition{Decision: d, Message: message} }

// Step is one state of a wizard.
type Step struct {
	// Question is a format string expanded with the run's params, as in
	// "Delete {target}?".
	Question string
	Choices  []string
	Default  string

	// Next picks the transition for a validated answer.
	Next func(answer string, st State) Transition
}

// Wizard is a finite state machine definition.
type Wizard struct {
	Name  string
	Start string
	Steps map[string]Step
}

// Begin starts a run with params.
func (w *Wizard) Begin(params map[string]string) (State, Reply) {
	st := State{Wizard: w.Name, Params: copyMap(params), Answers: map[string]string{}}
	return w.apply(st, Goto(w.Start))
}

// Respond applies answer to st. An invalid answer returns a
// ValidationFailure and st unchanged, so the same prompt can be shown
// again.
func (w *Wizard) Respond(st State, answer string) (State, Reply, error) {
	if st.Wizard != w.Name {
		return st, Reply{}, errs.Newf(errs.ValidationFailure, "state belongs to wizard %q, not %q", st.Wizard, w.Name)
	}
	if st.Done() {
		return st, Reply{}, errs.Newf(errs.ValidationFailure, "wizard %s already finished", w.Name)
	}
	step, ok := w.Steps[st.Step]
	if !ok {
		return st, Reply{}, errs.Newf(errs.ValidationFailure, "wizard %s has no step %q", w.Name, st.Step)
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = step.Default
	}
	if len(step.Choices) > 0 {
		canon, ok := matchChoice(step.Choices, answer)
		if !ok {
			return st, Reply{}, errs.Field(errs.ValidationFailure, st.Step, "answer must be one of %s", strings.Join(step.Choices, ", "))
		}
		answer = canon
	}

	next := st.clone()
	if next.Answers == nil {
		next.Answers = map[string]string{}
	}
	next.Answers[st.Step] = answer
	next, reply := w.apply(next, step.Next(answer, next))
	return next, reply, nil
}

func (w *Wizard) apply(st State, tr Transition) (State, Reply) {
	if tr.Decision != Pending {
		st.Step = ""
		st.Decision = tr.Decision
		return st, Reply{Result: &Result{Decision: tr.Decision, Answers: copyMap(st.Answers), Message: w.expand(tr.Message, st)}}
	}
	st.Step = tr.Next
	return st, Reply{Prompt: w.prompt(st)}
}

// Prompt returns the prompt of the current step, or nil once finished.
func (w *Wizard) Prompt(st State) *Prompt {
	if st.Done() {
		return nil
	}
	return w.prompt(st)
}

func (w *Wizard) prompt(st State) *Prompt {
	step := w.Steps[st.Step]
	return &Prompt{
		Step:     st.Step,
		Question: w.expand(step.Question, st),
		Choices:  append([]string(nil), step.Choices...),
		Default:  step.Default,
	}
}

// expand replaces {name} with params and earlier answers.
func (w *Wizard) expand(text string, st State) string {
	if text == "" {
		return ""
	}
	pairs := make([]string, 0, 2*(len(st.Params)+len(st.Answers)))
	for _, m := range []map[string]string{st.Answers, st.Params} {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pairs = append(pairs, "{"+k+"}", m[k])
		}
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func matchChoice(choices []string, answer string) (string, bool) {
	for _, c := range choices {
		if strings.EqualFold(c, answer) {
			return c, true
		}
	}
	// Unique prefixes such as "y" are accepted.
	var found string
	for _, c := range choices {
		if answer != "" && strings.HasPrefix(strings.ToLower(c), strings.ToLower(answer)) {
			if found != "" {
				return "", false
			}
			found = c
		}
	}
	return found, found != ""
}

// Encode serializes st.
func Encode(st State) ([]byte, error) {
	return json.Marshal(st)
}

// Decode restores a state produced by Encode.
func Decode(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, errs.Wrap(err, "decode wizard state")
	}
	if st.Wizard == "" {
		return State{}, errs.New(errs.ValidationFailure, "wizard state has no wizard name")
	}
	return st, nil
}

// Committer is the part of a transaction a wizard result is applied to.
type Committer interface {
	Commit() error
	Abort()
}

// Finish commits or aborts c according to res.
func Finish(res Result, c Committer) error {
	switch res.Decision {
	case Commit:
		return c.Commit()
	case Abort:
		c.Abort()
		return nil
	}
	return errs.New(errs.ValidationFailure, "wizard result has no decision")
}

// Registry resolves states to their wizard definitions.
type Registry struct {
	wizards map[string]*Wizard
}

// NewRegistry creates a registry holding ws.
func NewRegistry(ws ...*Wizard) *Registry {
	r := &Registry{wizards: make(map[string]*Wizard)}
	for _, w := range ws {
		r.wizards[w.Name] = w
	}
	return r
}

// Get returns the named wizard.
func (r *Registry) Get(name string) (*Wizard, bool) {
	w, ok := r.wizards[name]
	return w, ok
}

// Respond dispatches to the wizard named in st.
func (r *Registry) Respond(st State, answer string) (State, Reply, error) {
	w, ok := r.wizards[st.Wizard]
	if !ok {
		return st, Reply{}, errs.Newf(errs.NotFound, "unknown wizard %q", st.Wizard)
	}
	return w.Respond(st, answer)
}
