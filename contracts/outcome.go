package contracts

import "errors"

// DispositionAction is the acknowledgment applied to a delivery on the transport
type DispositionAction int

const (
	// DispositionNone means no action has been chosen yet
	DispositionNone DispositionAction = iota
	// DispositionComplete removes the message from the queue
	DispositionComplete
	// DispositionAbandon releases the message for redelivery
	DispositionAbandon
	// DispositionDeadLetter moves the message to the poison channel
	DispositionDeadLetter
)

func (a DispositionAction) String() string {
	switch a {
	case DispositionNone:
		return "none"
	case DispositionComplete:
		return "complete"
	case DispositionAbandon:
		return "abandon"
	case DispositionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// OutcomeKind tags the variant held by an Outcome
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeExplicit
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// Outcome is the result of invoking a handler.
// Err is set for failures and, on explicit dispositions, holds the error the
// handler returned after settling. Action and Reason only apply to explicit
// dispositions.
type Outcome struct {
	Kind   OutcomeKind
	Err    error
	Action DispositionAction
	Reason string
}

// Success returns a successful outcome
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Failure returns a failed outcome carrying err
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("handler failed")
	}
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// Explicit returns an outcome that settles the message with the given action
func Explicit(action DispositionAction, reason string) Outcome {
	return Outcome{Kind: OutcomeExplicit, Action: action, Reason: reason}
}

// IsSuccess reports whether the handler succeeded
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}

// IsFailure reports whether the handler failed
func (o Outcome) IsFailure() bool {
	return o.Kind == OutcomeFailure
}

// WithErr returns a copy of the outcome carrying err
func (o Outcome) WithErr(err error) Outcome {
	o.Err = err
	return o
}

// DependencyUnavailable reports whether the outcome signals that a downstream
// dependency is failing. Explicit dispositions keep the signal so a handler
// that settles the message itself still trips the breaker.
func (o Outcome) DependencyUnavailable() bool {
	if o.Kind != OutcomeFailure && o.Kind != OutcomeExplicit {
		return false
	}
	return IsDependencyUnavailable(o.Err)
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeFailure:
		if o.Err == nil {
			return "failure"
		}
		return "failure: " + o.Err.Error()
	case OutcomeExplicit:
		if o.Reason != "" {
			return o.Action.String() + ": " + o.Reason
		}
		return o.Action.String()
	default:
		return o.Kind.String()
	}
}
