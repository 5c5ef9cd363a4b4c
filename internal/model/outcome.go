package model

// OutcomeKind classifies one generation attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomeTerminal
)

// Outcome is the explicit result of a single protocol attempt. The retry
// loop in the executor iterates over Outcomes instead of inspecting raised
// errors: Transient outcomes are retried within budget, Terminal outcomes
// propagate immediately.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Success() Outcome            { return Outcome{Kind: OutcomeSuccess} }
func Transient(err error) Outcome { return Outcome{Kind: OutcomeTransient, Err: err} }
func Terminal(err error) Outcome  { return Outcome{Kind: OutcomeTerminal, Err: err} }

// Retryable reports whether the attempt may be re-run.
func (o Outcome) Retryable() bool { return o.Kind == OutcomeTransient }
