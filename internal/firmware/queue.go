package firmware

import (
	"sync"

	"github.com/banshee-data/isp-autolevel/internal/isp/fsm"
)

// DefaultQueueSize is the event ring capacity.
const DefaultQueueSize = 64

// overflowLogEvery rate-limits the overflow log.
const overflowLogEvery = 64

// EventQueue is a fixed-size ring of pending events. Pushing into a full
// queue discards everything queued, the way the hardware event ring resets.
type EventQueue struct {
	mu        sync.Mutex
	buf       []fsm.EventID
	head      int
	tail      int
	overflows uint64
}

// NewEventQueue holds up to size-1 events. size < 2 uses DefaultQueueSize.
func NewEventQueue(size int) *EventQueue {
	if size < 2 {
		size = DefaultQueueSize
	}
	return &EventQueue{buf: make([]fsm.EventID, size)}
}

// Push appends ev. On overflow the queue is reset and Push returns every
// discarded event, oldest first and ending with ev; otherwise it returns nil.
func (q *EventQueue) Push(ev fsm.EventID) []fsm.EventID {
	q.mu.Lock()
	next := (q.head + 1) % len(q.buf)
	if next == q.tail {
		var discarded []fsm.EventID
		for i := q.tail; i != q.head; i = (i + 1) % len(q.buf) {
			discarded = append(discarded, q.buf[i])
		}
		discarded = append(discarded, ev)
		q.head, q.tail = 0, 0
		n := q.overflows
		q.overflows++
		q.mu.Unlock()
		if n%overflowLogEvery == 0 {
			logger.Errorf("event queue overflow, %d events dropped so far", n+1)
		}
		return discarded
	}
	q.buf[q.head] = ev
	q.head = next
	q.mu.Unlock()
	return nil
}

// Pop removes the oldest event.
func (q *EventQueue) Pop() (fsm.EventID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == q.tail {
		return fsm.EventNone, false
	}
	ev := q.buf[q.tail]
	q.tail = (q.tail + 1) % len(q.buf)
	return ev, true
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (q.head - q.tail + len(q.buf)) % len(q.buf)
}

// Overflows counts pushes that found the queue full.
func (q *EventQueue) Overflows() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflows
}
