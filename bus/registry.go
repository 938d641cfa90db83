package bus

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Handler is application code invoked under the per-envelope transaction.
// The handler must use tx for its writes to participate in the all-or-nothing
// dispatch; opening its own connections breaks that guarantee.
type Handler func(ctx context.Context, env Envelope, tx pgx.Tx) error

// Subscription is the identity token for a registered handler. Callers keep
// it to unregister later; closures have no usable equality of their own.
type Subscription struct {
	eventType string
	nodeID    string
	fn        Handler
}

func (s *Subscription) EventType() string { return s.eventType }
func (s *Subscription) NodeID() string    { return s.nodeID }

// Registry maps event types to ordered subscriptions. A parallel list of all
// subscriptions keeps broadcast dispatch linear. Mutated from node APIs,
// read from the consumer; a whole-map lock is fine at this churn.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]*Subscription
	all    []*Subscription
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string][]*Subscription)}
}

// Register appends a subscription, preserving registration order.
func (r *Registry) Register(eventType, nodeID string, fn Handler) *Subscription {
	sub := &Subscription{eventType: eventType, nodeID: nodeID, fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[eventType] = append(r.byType[eventType], sub)
	r.all = append(r.all, sub)
	return sub
}

// Unregister removes the subscription; the type entry is deleted when its
// set becomes empty.
func (r *Registry) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byType[sub.eventType]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byType, sub.eventType)
	} else {
		r.byType[sub.eventType] = subs
	}

	for i, s := range r.all {
		if s == sub {
			r.all = append(r.all[:i], r.all[i+1:]...)
			break
		}
	}
}

// Lookup returns a snapshot of the subscriptions for one event type.
func (r *Registry) Lookup(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byType[eventType]
	out := make([]*Subscription, len(subs))
	copy(out, subs)
	return out
}

// All returns a snapshot of every subscription. Used for broadcast dispatch.
func (r *Registry) All() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, len(r.all))
	copy(out, r.all)
	return out
}

// HasAny reports whether any handler is registered for the event type,
// before producer filtering.
func (r *Registry) HasAny(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[eventType]) > 0
}

// Empty reports whether no handlers are registered at all.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all) == 0
}
