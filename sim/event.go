package sim

// EventType identifies the kind of a pending event.
type EventType string

const (
	EventTypeDeliver EventType = "Deliver"
	EventTypeWake    EventType = "Wake"
)

// EventTypePriority defines ordering for simultaneous events.
// Lower values are processed first: a message landing at the same instant
// as a timeout is seen by the waiting task before the timeout fires.
var EventTypePriority = map[EventType]int{
	EventTypeDeliver: 1,
	EventTypeWake:    2,
}

// Event is a scheduled occurrence at a virtual timestamp.
type Event interface {
	Timestamp() Timestamp
	EventID() uint64
	Type() EventType
	// Stale reports whether the event has lost its target (a cancelled or
	// already-woken task) and must be discarded without advancing the clock.
	Stale() bool
	Execute(s *Scheduler)
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	timestamp Timestamp
	eventID   uint64
	eventType EventType
}

func (e *BaseEvent) Timestamp() Timestamp { return e.timestamp }
func (e *BaseEvent) EventID() uint64      { return e.eventID }
func (e *BaseEvent) Type() EventType      { return e.eventType }

// WakeEvent resumes a parked task when its deadline passes.
type WakeEvent struct {
	BaseEvent
	task  *Task
	token uint64
}

func (e *WakeEvent) Stale() bool {
	return e.task.status != TaskPending || e.task.token != e.token
}

func (e *WakeEvent) Execute(s *Scheduler) {
	s.wake(e.task, e.token, wakeTimer)
}

// DeliverEvent applies a network delivery at its arrival time.
type DeliverEvent struct {
	BaseEvent
	deliver func()
}

func (e *DeliverEvent) Stale() bool { return false }

func (e *DeliverEvent) Execute(_ *Scheduler) {
	e.deliver()
}
