package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/pgbus/internal/metrics"
)

// eventRouter is the slice of the worker-router client the emit path uses.
type eventRouter interface {
	Route(ctx context.Context, envelope json.RawMessage) ([]string, error)
}

// EmitResult reports where an emit landed. In standalone mode MessageID is
// the queue-assigned id; in enhanced mode RoutedQueues carries the router
// fan-out width instead. The two are deliberately separate fields.
type EmitResult struct {
	MessageID    int64
	RoutedQueues int
	Enhanced     bool
}

// Emitter builds envelopes and sends them through the queue (standalone) or
// the worker router (enhanced), then appends to the event log.
type Emitter struct {
	namespace string
	queue     string

	db     database
	q      messageQueue
	router eventRouter
	log    zerolog.Logger
}

func newEmitter(namespace, queue string, db database, q messageQueue, router eventRouter, log zerolog.Logger) *Emitter {
	return &Emitter{
		namespace: namespace,
		queue:     queue,
		db:        db,
		q:         q,
		router:    router,
		log:       log.With().Str("component", "emitter").Logger(),
	}
}

func (e *Emitter) enhanced() bool { return e.router != nil }

// Emit enqueues one envelope. The enqueue happens before the event-log
// append; a crash in between yields a delivered-but-unlogged event, which
// downstream audit must not assume away.
func (e *Emitter) Emit(ctx context.Context, producerNodeID, eventType string, payload any, settings emitSettings) (EmitResult, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return EmitResult{}, fmt.Errorf("bus: marshal payload: %w", err)
	}

	env := Envelope{
		Namespace:      e.namespace,
		EventType:      eventType,
		Payload:        body,
		EmittedAt:      formatEmittedAt(time.Now()),
		ProducerNodeID: producerNodeID,
		Broadcast:      settings.broadcast,
	}

	if e.enhanced() {
		return e.emitRouted(ctx, env)
	}
	return e.emitStandalone(ctx, env)
}

func (e *Emitter) emitStandalone(ctx context.Context, env Envelope) (EmitResult, error) {
	if env.Broadcast {
		e.log.Warn().
			Str("event_type", env.EventType).
			Msg("broadcast without a router only fans out in-process")
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return EmitResult{}, fmt.Errorf("bus: marshal envelope: %w", err)
	}

	msgID, err := e.q.Send(ctx, e.queue, raw)
	if err != nil {
		return EmitResult{}, fmt.Errorf("bus: enqueue: %w", err)
	}
	env.MessageID = msgID

	e.appendEventLog(ctx, env, map[string]any{"messageId": msgID})
	metrics.EventEmitted(e.namespace, "standalone")
	return EmitResult{MessageID: msgID}, nil
}

func (e *Emitter) emitRouted(ctx context.Context, env Envelope) (EmitResult, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return EmitResult{}, fmt.Errorf("bus: marshal envelope: %w", err)
	}

	queues, err := e.router.Route(ctx, raw)
	if err != nil {
		return EmitResult{}, fmt.Errorf("bus: route: %w", err)
	}

	e.appendEventLog(ctx, env, map[string]any{"routedQueues": len(queues)})
	metrics.EventEmitted(e.namespace, "enhanced")
	return EmitResult{RoutedQueues: len(queues), Enhanced: true}, nil
}

// appendEventLog is best-effort: the envelope is already on the wire, so a
// failed append is logged and swallowed.
func (e *Emitter) appendEventLog(ctx context.Context, env Envelope, meta map[string]any) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte(`{}`)
	}

	var taskID any
	if env.ScheduledTaskID != "" {
		taskID = env.ScheduledTaskID
	}

	var eventID int64
	err = e.db.QueryRow(ctx,
		`SELECT core.append_event_log($1, $2, $3::jsonb, $4, $5, $6::jsonb)`,
		env.Namespace, env.EventType, string(env.Payload), env.ProducerNodeID, taskID, string(metaJSON),
	).Scan(&eventID)
	if err != nil {
		e.log.Error().Err(err).
			Str("event_type", env.EventType).
			Int64("message_id", env.MessageID).
			Msg("event log append failed, event delivered but not logged")
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
