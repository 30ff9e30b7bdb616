package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliverAt(ts Timestamp, id uint64) *DeliverEvent {
	return &DeliverEvent{
		BaseEvent: BaseEvent{timestamp: ts, eventID: id, eventType: EventTypeDeliver},
		deliver:   func() {},
	}
}

func wakeAt(ts Timestamp, id uint64, task *Task) *WakeEvent {
	return &WakeEvent{
		BaseEvent: BaseEvent{timestamp: ts, eventID: id, eventType: EventTypeWake},
		task:      task,
		token:     task.token,
	}
}

// drain pops every live event in firing order, instant by instant.
func drain(q *EventQueue) []Event {
	var out []Event
	for {
		ts, ok := q.NextAt()
		if !ok {
			return out
		}
		for ev := q.PopAt(ts); ev != nil; ev = q.PopAt(ts) {
			out = append(out, ev)
		}
	}
}

func TestEventQueue_TimestampOrdering(t *testing.T) {
	q := &EventQueue{}
	q.Schedule(deliverAt(100, 1))
	q.Schedule(deliverAt(50, 2))
	q.Schedule(deliverAt(150, 3))

	var got []Timestamp
	for _, ev := range drain(q) {
		got = append(got, ev.Timestamp())
	}

	assert.Equal(t, []Timestamp{50, 100, 150}, got)
	assert.Equal(t, 0, q.Len())
	_, ok := q.NextAt()
	assert.False(t, ok, "empty queue has no next instant")
}

func TestEventQueue_DeliverBeforeWakeAtSameInstant(t *testing.T) {
	// GIVEN a wake queued before a delivery at the same instant
	q := &EventQueue{}
	task := &Task{status: TaskPending, token: 1}
	q.Schedule(wakeAt(100, 1, task))
	q.Schedule(deliverAt(100, 2))

	// WHEN the instant is drained
	got := drain(q)

	// THEN the delivery fires first
	require.Len(t, got, 2)
	assert.Equal(t, EventTypeDeliver, got[0].Type())
	assert.Equal(t, EventTypeWake, got[1].Type())
}

func TestEventQueue_SameTypeUsesEventID(t *testing.T) {
	q := &EventQueue{}
	q.Schedule(deliverAt(100, 3))
	q.Schedule(deliverAt(100, 1))
	q.Schedule(deliverAt(100, 2))

	var ids []uint64
	for _, ev := range drain(q) {
		ids = append(ids, ev.EventID())
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestEventQueue_NextAt_SkipsStaleHead(t *testing.T) {
	// GIVEN a wake event whose task has since been woken by something else
	q := &EventQueue{}
	task := &Task{status: TaskPending, token: 1}
	q.Schedule(wakeAt(10, 1, task))
	q.Schedule(deliverAt(20, 2))
	task.status = TaskRunnable

	// WHEN the next instant is requested
	ts, ok := q.NextAt()

	// THEN the stale wake is discarded and the clock would jump to 20
	require.True(t, ok)
	assert.Equal(t, Timestamp(20), ts)
	assert.Equal(t, 1, q.Len())
}

func TestEventQueue_PopAt_StopsAtLaterInstant(t *testing.T) {
	q := &EventQueue{}
	q.Schedule(deliverAt(10, 1))
	q.Schedule(deliverAt(10, 2))
	q.Schedule(deliverAt(30, 3))

	require.NotNil(t, q.PopAt(10))
	require.NotNil(t, q.PopAt(10))
	assert.Nil(t, q.PopAt(10), "event at 30 is not due at 10")
	assert.Equal(t, 1, q.Len())
}

func TestEventQueue_PopAt_SkipsEventMadeStaleWithinInstant(t *testing.T) {
	// GIVEN a delivery and a timeout for the same task at one instant
	q := &EventQueue{}
	task := &Task{status: TaskPending, token: 1}
	q.Schedule(deliverAt(5, 1))
	q.Schedule(wakeAt(5, 2, task))

	// WHEN the delivery fires and wakes the task first
	first := q.PopAt(5)
	require.NotNil(t, first)
	task.status = TaskRunnable

	// THEN the timeout is dropped rather than returned
	assert.Nil(t, q.PopAt(5))
	assert.Equal(t, 0, q.Len())
}

func TestWakeEvent_Stale_TokenMismatch(t *testing.T) {
	task := &Task{status: TaskPending, token: 1}
	ev := wakeAt(5, 1, task)
	if ev.Stale() {
		t.Fatal("fresh wake event reported stale")
	}
	task.token++
	if !ev.Stale() {
		t.Error("wake event with old token should be stale")
	}
}
