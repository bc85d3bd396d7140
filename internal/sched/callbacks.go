package sched

import (
	"sync"

	"github.com/google/uuid"

	"github.com/quantum-os/qcore/internal/qnum"
)

// EventKind classifies a lifecycle notification.
type EventKind uint8

const (
	EventProcessCreated EventKind = iota
	EventProcessStarted
	EventProcessTerminated
	EventSchedulingDecision
	EventDependencySatisfied
)

// String returns the display name of an event kind.
func (k EventKind) String() string {
	switch k {
	case EventProcessCreated:
		return "process-created"
	case EventProcessStarted:
		return "process-started"
	case EventProcessTerminated:
		return "process-terminated"
	case EventSchedulingDecision:
		return "scheduling-decision"
	case EventDependencySatisfied:
		return "dependency-satisfied"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification delivered to subscribers. Tracing
// and telemetry layers consume these instead of polling scheduler state.
type Event struct {
	ID   uuid.UUID
	Kind EventKind
	Tick uint64

	PID  uint32
	Name string

	// Scheduling decisions carry both sides of the switch; zero means
	// the CPU was or became idle.
	PrevPID uint32
	NextPID uint32

	// Dependency satisfaction carries the resolved id and whether a
	// timeout forced it.
	Dependency qnum.Number
	Forced     bool
}

type subscriber struct {
	id uuid.UUID
	fn func(Event)
}

// notifier is an observer list for lifecycle events. Subscription and
// delivery never run under the scheduler's queue lock.
type notifier struct {
	mu   sync.RWMutex
	subs []subscriber
}

// Subscribe registers fn for every future event and returns a token for
// Unsubscribe. The callback runs synchronously on the emitting goroutine
// and must not call back into the scheduler.
func (n *notifier) Subscribe(fn func(Event)) uuid.UUID {
	id := uuid.New()
	n.mu.Lock()
	n.subs = append(n.subs, subscriber{id: id, fn: fn})
	n.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription, reporting whether it existed.
func (n *notifier) Unsubscribe(id uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return true
		}
	}
	return false
}

// emit assigns event ids and delivers to every subscriber in order.
func (n *notifier) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	n.mu.RLock()
	subs := make([]subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, ev := range events {
		ev.ID = uuid.New()
		for _, s := range subs {
			s.fn(ev)
		}
	}
}
