package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/pgbus/internal/metrics"
)

// Node is a lightweight handle for a named participant. It shares the
// process-wide registry, gateway and consumer; the only resource it owns is
// its heartbeat ticker.
type Node struct {
	id        string
	namespace string

	reg       *Registry
	db        database
	emitter   *Emitter
	scheduler *Scheduler
	log       zerolog.Logger

	// notifySubscribe/notifyUnsubscribe forward registry changes to the
	// worker router in enhanced mode. Best-effort, nil in standalone.
	notifySubscribe   func(eventType string)
	notifyUnsubscribe func(eventType string)

	hbInterval time.Duration

	mu     sync.Mutex
	hbStop chan struct{}
	hbDone chan struct{}
}

func (n *Node) ID() string        { return n.id }
func (n *Node) Namespace() string { return n.namespace }

// Start begins the heartbeat ticker. Idempotent; Start on a running node is
// a no-op.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hbStop != nil {
		return
	}
	n.hbStop = make(chan struct{})
	n.hbDone = make(chan struct{})
	go n.heartbeat(n.hbStop, n.hbDone)
	n.log.Info().Msg("node started")
}

// Stop cancels the heartbeat ticker. Registry entries persist until
// explicitly unregistered; the process-wide consumer keeps running.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hbStop == nil {
		return
	}
	close(n.hbStop)
	<-n.hbDone
	n.hbStop = nil
	n.hbDone = nil
	n.log.Info().Msg("node stopped")
}

func (n *Node) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(n.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := n.db.Exec(ctx, `SELECT core.touch_node_heartbeat($1)`, n.id)
			cancel()
			if err != nil {
				// Heartbeat failures never stop the ticker.
				n.log.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			metrics.Heartbeat(n.namespace, n.id)
		}
	}
}

// OnEvent registers a handler for an event type and returns the token
// needed to unregister it.
func (n *Node) OnEvent(eventType string, fn Handler) *Subscription {
	sub := n.reg.Register(eventType, n.id, fn)
	if n.notifySubscribe != nil {
		n.notifySubscribe(eventType)
	}
	return sub
}

// OffEvent removes a previously registered handler.
func (n *Node) OffEvent(sub *Subscription) {
	n.reg.Unregister(sub)
	if n.notifyUnsubscribe != nil && sub != nil {
		n.notifyUnsubscribe(sub.eventType)
	}
}

// Emit publishes an event produced by this node.
func (n *Node) Emit(ctx context.Context, eventType string, payload any, opts ...EmitOption) (EmitResult, error) {
	var settings emitSettings
	for _, opt := range opts {
		opt(&settings)
	}
	return n.emitter.Emit(ctx, n.id, eventType, payload, settings)
}

// ScheduleTask persists a cron task whose firings re-enter the emit path
// with producerNodeId "scheduler".
func (n *Node) ScheduleTask(ctx context.Context, def TaskDefinition) (*ScheduledTask, error) {
	return n.scheduler.ScheduleTask(ctx, def)
}

// UnscheduleTask deactivates a task and removes its cron entry.
func (n *Node) UnscheduleTask(ctx context.Context, taskID uuid.UUID) error {
	return n.scheduler.UnscheduleTask(ctx, taskID)
}
