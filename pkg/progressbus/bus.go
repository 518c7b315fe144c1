// Package progressbus implements the Progress Bus (C3): a per-tenant
// publish/subscribe relay that fans typed progress envelopes out to
// live subscribers, tolerating subscriber disconnects without retry or
// buffering.
//
// The transport is deliberately capability-based: a Subscriber is
// anything that can Send an Envelope and fail. cmd/scheduler-service
// supplies a *websocket.Conn-backed implementation; tests and
// in-process consumers use the in-memory ChannelSubscriber below.
package progressbus

import "sync"

// EnvelopeType discriminates the Envelope union by its "type" field.
type EnvelopeType string

const (
	TypeJobProgress      EnvelopeType = "job_progress"
	TypeWorkflowProgress EnvelopeType = "workflow_progress"
	TypePing             EnvelopeType = "ping"
	TypePong             EnvelopeType = "pong"
)

// Envelope is the JSON-serializable message shape broadcast to
// subscribers. Only the payload fields of the group named by Type are
// populated.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	// job_progress
	JobID          string  `json:"job_id,omitempty"`
	Progress       float64 `json:"progress,omitempty"`
	TilesProcessed int64   `json:"tiles_processed,omitempty"`
	TilesTotal     int64   `json:"tiles_total,omitempty"`
	WorkflowID     string  `json:"workflow_id,omitempty"`

	// workflow_progress (reuses Progress, WorkflowID above)
	Status        string `json:"status,omitempty"`
	JobsCompleted int    `json:"jobs_completed,omitempty"`
	JobsTotal     int    `json:"jobs_total,omitempty"`
}

// Subscriber is a push endpoint for one tenant's progress stream. Send
// must be safe to call from the broadcasting goroutine; a returned
// error causes the Bus to drop the subscriber; there is no retry and no
// buffering for an offline subscriber.
type Subscriber interface {
	Send(Envelope) error
}

// Bus is a per-tenant fan-out relay. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[Subscriber]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]map[Subscriber]struct{})}
}

// Subscribe registers sub to receive tenant's broadcasts.
func (b *Bus) Subscribe(tenant string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[tenant]
	if !ok {
		set = make(map[Subscriber]struct{})
		b.subscribers[tenant] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub from tenant's subscriber set.
func (b *Bus) Unsubscribe(tenant string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[tenant]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subscribers, tenant)
	}
}

// Broadcast delivers msg to every subscriber currently registered for
// tenant. Delivery is best-effort: a subscriber whose Send fails is
// removed from the bus and is not retried. Broadcast takes a snapshot
// of the subscriber set under the read lock and sends outside of any
// lock, so a subscriber vanishing mid-broadcast (via a concurrent
// Unsubscribe) is safe.
func (b *Bus) Broadcast(tenant string, msg Envelope) {
	b.mu.RLock()
	set, ok := b.subscribers[tenant]
	if !ok {
		b.mu.RUnlock()
		return
	}
	snapshot := make([]Subscriber, 0, len(set))
	for s := range set {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	var failed []Subscriber
	for _, s := range snapshot {
		if err := s.Send(msg); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		b.Unsubscribe(tenant, s)
	}
}

// SubscriberCount reports how many subscribers are currently live for
// tenant. Used by diagnostics and tests.
func (b *Bus) SubscriberCount(tenant string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenant])
}

// ChannelSubscriber is an in-memory Subscriber backed by a buffered Go
// channel, for tests and co-resident in-process consumers. Send never
// blocks: if the channel is full the envelope is dropped and Send still
// reports success, matching the bus's "no buffering for offline
// subscribers" contract at the subscriber level.
type ChannelSubscriber struct {
	ch chan Envelope
}

// NewChannelSubscriber creates a ChannelSubscriber with the given
// buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSubscriber{ch: make(chan Envelope, buffer)}
}

// Send implements Subscriber.
func (c *ChannelSubscriber) Send(e Envelope) error {
	select {
	case c.ch <- e:
	default:
	}
	return nil
}

// C returns the receive-only channel of delivered envelopes.
func (c *ChannelSubscriber) C() <-chan Envelope { return c.ch }
