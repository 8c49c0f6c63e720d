package reconcile

import (
	"github.com/jbweber/kiln/internal/probe"
	"github.com/jbweber/kiln/internal/run"
)

// Result is the single structured outcome of one reconciliation call,
// folded from however many commands the reconciliation ran.
//
// Changed is true iff at least one state-mutating command actually ran and
// succeeded; probes and failed attempts never set it. Stdout and Stderr
// come from the last command that ran, verbatim.
type Result struct {
	Identifier string      `json:"identifier" yaml:"identifier"`
	Changed    bool        `json:"changed" yaml:"changed"`
	State      probe.State `json:"state,omitempty" yaml:"state,omitempty"`
	ExitCode   int         `json:"exit_code" yaml:"exit_code"`
	Stdout     string      `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr     string      `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Truncated  bool        `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	ErrorKind  Kind        `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// reporter accumulates command outcomes for one reconciliation and folds
// them into the final Result.
type reporter struct {
	id       string
	changed  bool
	last     *run.Outcome
	anyTrunc bool
}

func newReporter(id string) *reporter {
	return &reporter{id: id}
}

// record notes a command outcome. mutated marks the command as
// state-mutating and successful.
func (r *reporter) record(o *run.Outcome, mutated bool) {
	if o == nil {
		return
	}
	r.last = o
	if o.Truncated {
		r.anyTrunc = true
	}
	if mutated && o.ExitCode == 0 {
		r.changed = true
	}
}

// result folds everything recorded so far with the final probed state and
// the classified error, if any.
func (r *reporter) result(state probe.State, err error) *Result {
	res := &Result{
		Identifier: r.id,
		Changed:    r.changed,
		State:      state,
		Truncated:  r.anyTrunc,
	}
	if r.last != nil {
		res.ExitCode = r.last.ExitCode
		res.Stdout = r.last.Stdout
		res.Stderr = r.last.Stderr
	}
	if err != nil {
		res.ErrorKind = KindOf(err)
		res.Error = err.Error()
	}
	return res
}
