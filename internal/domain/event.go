package domain

// EventType enumerates the terminal events the engine publishes for the
// notification and reporting collaborators.
type EventType string

const (
	EventPositionOpened   EventType = "position_opened"
	EventPositionPartial  EventType = "position_partially_closed"
	EventPositionClosed   EventType = "position_closed"
	EventPairCommitted    EventType = "pair_committed"
	EventPairCompensated  EventType = "pair_compensated"
	EventPairManualReview EventType = "pair_manual_review"
	EventHalted           EventType = "halted"
	EventReconcileAlert   EventType = "reconciliation_alert"
)

// Event is a structured record of a terminal state change. Delivery is
// asynchronous and fire-and-forget; the engine never blocks on it.
type Event struct {
	Type       EventType
	Symbol     string
	PositionID string
	SagaID     string
	Detail     string
	At         int64
}
