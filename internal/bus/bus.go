// Package bus provides a simple in-process pub/sub message bus with topic
// prefix matching. The scheduler uses it for wake-up notifications (task
// enqueued, resource released) and for inspection surfaces that want to react
// to lifecycle changes without polling. Delivery is best-effort: correctness
// never depends on an event arriving, only latency does.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task lifecycle topics.
const (
	TopicTaskEnqueued        = "task.enqueued"
	TopicTaskStarted         = "task.started"
	TopicTaskParked          = "task.parked"
	TopicTaskCompleted       = "task.completed"
	TopicTaskFailed          = "task.failed"
	TopicTaskCanceled        = "task.canceled"
	TopicTaskCancelRequested = "task.cancel_requested"
	TopicTaskRequeued        = "task.requeued"
)

// Reservation, group, and worker topics.
const (
	TopicResourceReleased = "resource.released"
	TopicGroupDispatched  = "group.dispatched"
	TopicWorkerLost       = "worker.lost"
)

// TaskEvent is published for task lifecycle topics.
type TaskEvent struct {
	TaskID   string // Task ID
	Name     string // Registered function key
	OldState string // Previous state (e.g. WAITING), empty on enqueue
	NewState string // New state (e.g. RUNNING)
	GroupID  string // Task group ID, empty if ungrouped
}

// ResourceReleasedEvent is published after a task's reservations are released.
// Woken carries the ids of parked tasks made claimable by this release.
type ResourceReleasedEvent struct {
	TaskID string   // Releasing task
	Keys   []string // Freed resource keys
	Woken  []string // Parked task ids woken by the release
}

// GroupDispatchedEvent is published when a group's all-dispatched latch flips.
type GroupDispatchedEvent struct {
	GroupID string
}

// WorkerLostEvent is published when recovery declares a worker dead.
type WorkerLostEvent struct {
	WorkerID string
	TaskIDs  []string // Orphaned tasks that were requeued or failed
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped. Emitters hold locks and database transactions; they must never
// block on a slow consumer.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
