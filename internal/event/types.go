package event

import "time"

// Type identifies an event kind. Convention: "category.action".
type Type string

// Coordinator event types.
const (
	TypeInitialized   Type = "coordinator.initialized"
	TypePolled        Type = "poll.completed"
	TypeSwapSelected  Type = "swap.selected"
	TypeSwapApplied   Type = "swap.applied"
	TypeSwapFinalized Type = "swap.finalized"
	TypeResubmitted   Type = "ladder.resubmitted"
	TypeTerminal      Type = "coordinator.terminal"
	TypeStageFailed   Type = "coordinator.failed"
)

// Event is implemented by every published event.
type Event interface {
	EventType() Type
	Timestamp() time.Time
}

type baseEvent struct {
	eventType Type
	timestamp time.Time
}

func (e baseEvent) EventType() Type      { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBase(t Type) baseEvent {
	return baseEvent{eventType: t, timestamp: time.Now()}
}

// InitializedEvent is published once the ladder has been created and
// submitted for its first run.
type InitializedEvent struct {
	baseEvent
	RunID    string
	Replicas int
}

// NewInitializedEvent creates an InitializedEvent.
func NewInitializedEvent(runID string, replicas int) InitializedEvent {
	return InitializedEvent{baseEvent: newBase(TypeInitialized), RunID: runID, Replicas: replicas}
}

// PolledEvent reports the result of one bounded wait.
type PolledEvent struct {
	baseEvent
	Attempt  int
	Done     bool
	Duration time.Duration
}

// NewPolledEvent creates a PolledEvent.
func NewPolledEvent(attempt int, done bool, d time.Duration) PolledEvent {
	return PolledEvent{baseEvent: newBase(TypePolled), Attempt: attempt, Done: done, Duration: d}
}

// SwapEvent describes one swap at a point of its lifecycle: selected,
// applied, or finalized.
type SwapEvent struct {
	baseEvent
	Attempt  int
	I, J     int
	ParamI   float64
	ParamJ   float64
	Accepted bool
}

// NewSwapSelectedEvent creates a swap event for a freshly selected pair.
func NewSwapSelectedEvent(attempt, i, j int, paramI, paramJ float64, accepted bool) SwapEvent {
	return SwapEvent{
		baseEvent: newBase(TypeSwapSelected),
		Attempt:   attempt,
		I:         i,
		J:         j,
		ParamI:    paramI,
		ParamJ:    paramJ,
		Accepted:  accepted,
	}
}

// NewSwapAppliedEvent creates a swap event for exchanged snapshots.
func NewSwapAppliedEvent(attempt, i, j int, paramI, paramJ float64) SwapEvent {
	e := NewSwapSelectedEvent(attempt, i, j, paramI, paramJ, true)
	e.baseEvent = newBase(TypeSwapApplied)
	return e
}

// NewSwapFinalizedEvent creates a swap event for a record marked completed.
func NewSwapFinalizedEvent(attempt, i, j int, paramI, paramJ float64, accepted bool) SwapEvent {
	e := NewSwapSelectedEvent(attempt, i, j, paramI, paramJ, accepted)
	e.baseEvent = newBase(TypeSwapFinalized)
	return e
}

// ResubmittedEvent is published after the whole ladder was reset and
// submitted for the next run segment.
type ResubmittedEvent struct {
	baseEvent
	Attempt  int
	Replicas int
}

// NewResubmittedEvent creates a ResubmittedEvent.
func NewResubmittedEvent(attempt, replicas int) ResubmittedEvent {
	return ResubmittedEvent{baseEvent: newBase(TypeResubmitted), Attempt: attempt, Replicas: replicas}
}

// TerminalEvent is published when the coordinator reaches its final state.
type TerminalEvent struct {
	baseEvent
	Attempts int
	Swaps    int
}

// NewTerminalEvent creates a TerminalEvent.
func NewTerminalEvent(attempts, swaps int) TerminalEvent {
	return TerminalEvent{baseEvent: newBase(TypeTerminal), Attempts: attempts, Swaps: swaps}
}

// StageFailedEvent reports a fatal error in a coordinator stage.
type StageFailedEvent struct {
	baseEvent
	Stage   string
	Attempt int
	Err     error
}

// NewStageFailedEvent creates a StageFailedEvent.
func NewStageFailedEvent(stage string, attempt int, err error) StageFailedEvent {
	return StageFailedEvent{baseEvent: newBase(TypeStageFailed), Stage: stage, Attempt: attempt, Err: err}
}
