package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/baechuer/pgbus/internal/infrastructure/postgres"
	"github.com/baechuer/pgbus/internal/metrics"
)

// database is the slice of the postgres gateway the bus consumes.
// *postgres.Gateway satisfies it.
type database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// messageQueue is the slice of the pgmq wrapper the bus consumes.
// *postgres.Queue satisfies it.
type messageQueue interface {
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
	Read(ctx context.Context, queue string, vt time.Duration, qty int) ([]postgres.Message, error)
	Delete(ctx context.Context, queue string, msgID int64) (bool, error)
}

// handlerError separates handler failures from transaction plumbing
// failures inside WithTx; only the former are dead-lettered.
type handlerError struct {
	eventType string
	err       error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Consumer is the single polling task per process. It reads batches from the
// namespace queue, dispatches each envelope to matching handlers under one
// transaction, and acknowledges or dead-letters.
type Consumer struct {
	namespace string
	queue     string
	dlq       string

	db  database
	q   messageQueue
	reg *Registry
	log zerolog.Logger

	pollInterval      time.Duration
	visibilityTimeout time.Duration
	batchSize         int
	dlqUnroutable     bool

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

func newConsumer(opts Options, queue, dlq string, db database, q messageQueue, reg *Registry, log zerolog.Logger) *Consumer {
	return &Consumer{
		namespace:         opts.Namespace,
		queue:             queue,
		dlq:               dlq,
		db:                db,
		q:                 q,
		reg:               reg,
		log:               log.With().Str("component", "consumer").Logger(),
		pollInterval:      opts.IdlePollInterval,
		visibilityTimeout: opts.VisibilityTimeout,
		batchSize:         opts.BatchSize,
		dlqUnroutable:     opts.DLQUnroutable,
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start launches the poll loop. Idempotent.
func (c *Consumer) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	go c.loop(context.Background())
}

// Stop flips the running flag, wakes any idle sleep and waits for the
// in-flight batch entry to drain. Handler code is not interrupted.
func (c *Consumer) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	close(c.stopCh)
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)
	c.log.Info().Str("queue", c.queue).Msg("consumer started")

	for c.running.Load() {
		if c.reg.Empty() {
			c.sleep(c.pollInterval)
			continue
		}

		batch, err := c.q.Read(ctx, c.queue, c.visibilityTimeout, c.batchSize)
		if err != nil {
			c.log.Error().Err(err).Msg("queue read failed")
			c.sleep(readErrorBackoff)
			continue
		}
		if len(batch) == 0 {
			c.sleep(c.pollInterval)
			continue
		}

		for _, m := range batch {
			if !c.running.Load() {
				break
			}
			c.dispatch(ctx, m)
		}
	}
	c.log.Info().Msg("consumer stopped")
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stopCh:
	}
}

func (c *Consumer) dispatch(ctx context.Context, m postgres.Message) {
	env := decodeEnvelope(c.namespace, m)
	targets := c.targets(env)

	if len(targets) == 0 {
		c.handleUnroutable(ctx, env)
		return
	}

	start := time.Now()
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, sub := range targets {
			if err := invoke(ctx, sub, env, tx); err != nil {
				return &handlerError{eventType: env.EventType, err: err}
			}
		}
		return nil
	})

	if err != nil {
		var hErr *handlerError
		if errors.As(err, &hErr) {
			metrics.HandlerFailure(c.namespace, hErr.eventType)
			c.moveToDLQ(ctx, env, "Handler execution error", hErr.err)
			return
		}
		// Transaction plumbing failed; leave the message for redelivery.
		c.log.Error().Err(err).Int64("message_id", env.MessageID).Msg("dispatch transaction failed")
		return
	}

	if _, err := c.q.Delete(ctx, c.queue, env.MessageID); err != nil {
		// Committed but not acked: the message will be redelivered and the
		// handlers must be idempotent.
		c.log.Error().Err(err).Int64("message_id", env.MessageID).Msg("ack failed after commit")
		return
	}
	metrics.MessageConsumed(c.namespace, "acked")
	metrics.ObserveDispatch(c.namespace, time.Since(start))
}

// targets resolves the handler set for an envelope. The producer node never
// receives its own events.
func (c *Consumer) targets(env Envelope) []*Subscription {
	var subs []*Subscription
	if env.Broadcast {
		subs = c.reg.All()
	} else {
		subs = c.reg.Lookup(env.EventType)
	}

	out := subs[:0:0]
	for _, s := range subs {
		if s.nodeID != env.ProducerNodeID {
			out = append(out, s)
		}
	}
	return out
}

// handleUnroutable applies the no-handler policy: by default the message is
// neither acked nor dead-lettered, so the visibility timeout re-exposes it
// for processes that register handlers later. DLQUnroutable restores the
// legacy immediate-DLQ behaviour, but only when the event type has no
// handlers at all; self-skip always leaves the message alone.
func (c *Consumer) handleUnroutable(ctx context.Context, env Envelope) {
	noneRegistered := !env.Broadcast && !c.reg.HasAny(env.EventType)

	if c.dlqUnroutable && noneRegistered {
		c.moveToDLQ(ctx, env, "No handlers registered", nil)
		return
	}

	metrics.MessageConsumed(c.namespace, "skipped")
	c.log.Debug().
		Str("event_type", env.EventType).
		Int64("message_id", env.MessageID).
		Bool("self_skip", !noneRegistered).
		Msg("no targets, leaving message for redelivery")
}

// moveToDLQ writes the dead-letter payload, then acknowledges the original
// message. The two steps are not atomic: if the ack fails the message is
// redelivered and re-dead-lettered, so DLQ consumers see at-least-once.
func (c *Consumer) moveToDLQ(ctx context.Context, env Envelope, reason string, cause error) {
	dl := DeadLetter{
		OriginalEvent: env,
		Reason:        reason,
		FailedAt:      formatEmittedAt(time.Now()),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}

	payload, err := json.Marshal(dl)
	if err != nil {
		c.log.Error().Err(err).Int64("message_id", env.MessageID).Msg("dead letter marshal failed")
		return
	}

	if _, err := c.q.Send(ctx, c.dlq, payload); err != nil {
		// Original message stays visible and will be retried.
		c.log.Error().Err(err).Int64("message_id", env.MessageID).Msg("dead letter send failed")
		return
	}
	metrics.DLQMessage(c.namespace, reason)

	if _, err := c.q.Delete(ctx, c.queue, env.MessageID); err != nil {
		c.log.Error().Err(err).Int64("message_id", env.MessageID).Msg("ack failed after dead letter")
		return
	}
	metrics.MessageConsumed(c.namespace, "dlq")

	c.log.Warn().
		Str("event_type", env.EventType).
		Int64("message_id", env.MessageID).
		Str("reason", reason).
		Msg("message moved to dead-letter queue")
}

// invoke runs one handler, converting panics into errors so a misbehaving
// handler dead-letters its message instead of killing the consumer.
func invoke(ctx context.Context, sub *Subscription, env Envelope, tx pgx.Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return sub.fn(ctx, env, tx)
}
