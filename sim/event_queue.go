package sim

import "container/heap"

// EventQueue holds pending events ordered by (timestamp, type priority,
// event ID). The order only decides which events fire first within one
// instant; which woken task then runs first is up to the run queues, so
// the scheduling policy also governs simultaneous wake-ups.
type EventQueue []Event

func (q EventQueue) Len() int            { return len(q) }
func (q EventQueue) Less(i, j int) bool  { return firesBefore(q[i], q[j]) }
func (q EventQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *EventQueue) Push(x interface{}) { *q = append(*q, x.(Event)) }
func (q *EventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}

// firesBefore orders two events. Deliveries precede wakes at the same
// instant; IDs keep same-pipe deliveries in send order.
func firesBefore(a, b Event) bool {
	if a.Timestamp() != b.Timestamp() {
		return a.Timestamp() < b.Timestamp()
	}
	if pa, pb := EventTypePriority[a.Type()], EventTypePriority[b.Type()]; pa != pb {
		return pa < pb
	}
	return a.EventID() < b.EventID()
}

// Schedule queues e.
func (q *EventQueue) Schedule(e Event) {
	heap.Push(q, e)
}

// NextAt discards stale events at the head and reports the timestamp of
// the earliest live one.
func (q *EventQueue) NextAt() (Timestamp, bool) {
	for q.Len() > 0 {
		if head := (*q)[0]; !head.Stale() {
			return head.Timestamp(), true
		}
		heap.Pop(q)
	}
	return 0, false
}

// PopAt removes and returns the next live event due at ts, or nil once
// none is left. Staleness is checked at pop time, so an event that an
// earlier one at the same instant made obsolete is skipped.
func (q *EventQueue) PopAt(ts Timestamp) Event {
	for q.Len() > 0 && (*q)[0].Timestamp() <= ts {
		ev := heap.Pop(q).(Event)
		if !ev.Stale() {
			return ev
		}
	}
	return nil
}
