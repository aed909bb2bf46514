package messaging

import "github.com/glimte/msgpump/contracts"

// DefaultMaxDeliveryCount is the delivery count at which failing messages are dead-lettered
const DefaultMaxDeliveryCount = 10

const (
	// ReasonNoHandler is attached to messages no handler accepted
	ReasonNoHandler = "no handler matched"
	// ReasonNotSettled is attached to messages a manual-settlement handler left unsettled
	ReasonNotSettled = "message was not settled by its handler"
)

// DispositionDecision is the transport action chosen for one message
type DispositionDecision struct {
	Action contracts.DispositionAction
	Reason string
}

func (d DispositionDecision) String() string {
	if d.Reason == "" {
		return d.Action.String()
	}
	return d.Action.String() + ": " + d.Reason
}

// DispositionResolver maps route results to transport actions
type DispositionResolver struct {
	maxDeliveryCount int
}

// NewDispositionResolver creates a resolver that dead-letters failures once
// maxDeliveryCount deliveries have been made. Values below 1 use the default.
func NewDispositionResolver(maxDeliveryCount int) DispositionResolver {
	if maxDeliveryCount < 1 {
		maxDeliveryCount = DefaultMaxDeliveryCount
	}
	return DispositionResolver{maxDeliveryCount: maxDeliveryCount}
}

// MaxDeliveryCount returns the delivery ceiling
func (d DispositionResolver) MaxDeliveryCount() int {
	if d.maxDeliveryCount < 1 {
		return DefaultMaxDeliveryCount
	}
	return d.maxDeliveryCount
}

// Resolve returns exactly one of Complete, Abandon or DeadLetter for result
func (d DispositionResolver) Resolve(result RouteResult, deliveryCount int, autoComplete bool) DispositionDecision {
	if result.Kind == Unhandled {
		return DispositionDecision{Action: contracts.DispositionDeadLetter, Reason: ReasonNoHandler}
	}

	outcome := result.Outcome
	switch outcome.Kind {
	case contracts.OutcomeExplicit:
		if outcome.Action == contracts.DispositionNone {
			return DispositionDecision{Action: contracts.DispositionAbandon, Reason: ReasonNotSettled}
		}
		return DispositionDecision{Action: outcome.Action, Reason: outcome.Reason}

	case contracts.OutcomeFailure:
		reason := "handler failed"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		if deliveryCount >= d.MaxDeliveryCount() {
			return DispositionDecision{Action: contracts.DispositionDeadLetter, Reason: reason}
		}
		return DispositionDecision{Action: contracts.DispositionAbandon, Reason: reason}

	default:
		if autoComplete {
			return DispositionDecision{Action: contracts.DispositionComplete}
		}
		return DispositionDecision{Action: contracts.DispositionAbandon, Reason: ReasonNotSettled}
	}
}
