package queue

import "context"

// OutcomeKind is the closed set of delivery outcomes. Keeping this a tagged
// variant (rather than freeform errors) makes the dispatch loop's state
// mapping exhaustive.
type OutcomeKind int

// Delivery outcome kinds.
const (
	// OutcomeDelivered means the provider accepted the message.
	OutcomeDelivered OutcomeKind = iota
	// OutcomeTransient means the failure is retryable (timeout, rate
	// limit, 4xx-class SMTP replies).
	OutcomeTransient
	// OutcomePermanent means the failure is not retryable (invalid
	// recipient, rejected content).
	OutcomePermanent
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Delivered returns a successful outcome.
func Delivered() Outcome {
	return Outcome{Kind: OutcomeDelivered}
}

// Transient returns a retryable failure outcome.
func Transient(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

// Permanent returns a non-retryable failure outcome.
func Permanent(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// Gateway sends a single composed message via an external delivery
// provider. Implementations must never panic across this boundary and must
// map any uncategorized internal error to a transient outcome: retrying is
// always preferred over silently dropping a message.
type Gateway interface {
	Send(ctx context.Context, item *Item) Outcome
}
