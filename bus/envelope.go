// Package bus is the node runtime for the Postgres-backed event bus: a
// process-wide polling consumer, a handler registry, node handles with
// heartbeats, the emit path and the cron scheduling facade.
package bus

import (
	"encoding/json"
	"time"

	"github.com/baechuer/pgbus/internal/infrastructure/postgres"
)

// emittedAtLayout is ISO-8601 with millisecond precision and an explicit
// UTC offset, matching what the run_scheduled_task routine produces.
const emittedAtLayout = "2006-01-02T15:04:05.000-07:00"

func formatEmittedAt(t time.Time) string {
	return t.UTC().Format(emittedAtLayout)
}

// Envelope is the JSON object exchanged over the queue and passed to
// handlers. messageId and redeliveryCount are absent at enqueue time; the
// consumer injects them from the queue row.
type Envelope struct {
	Namespace       string          `json:"namespace"`
	EventType       string          `json:"eventType"`
	Payload         json.RawMessage `json:"payload"`
	EmittedAt       string          `json:"emittedAt"`
	ProducerNodeID  string          `json:"producerNodeId"`
	ScheduledTaskID string          `json:"scheduledTaskId,omitempty"`
	Broadcast       bool            `json:"broadcast,omitempty"`
	MessageID       int64           `json:"messageId,omitempty"`
	RedeliveryCount int             `json:"redeliveryCount,omitempty"`
}

// DeadLetter is the payload written to the dead-letter queue.
type DeadLetter struct {
	OriginalEvent Envelope `json:"originalEvent"`
	Reason        string   `json:"reason"`
	FailedAt      string   `json:"failedAt"`
	Error         string   `json:"error,omitempty"`
}

// decodeEnvelope builds the envelope for one queue row. Missing fields get
// defaults; messageId and redeliveryCount are always taken from the row.
// pgmq counts the read in progress, the envelope counts prior deliveries,
// hence the -1.
func decodeEnvelope(namespace string, m postgres.Message) Envelope {
	var env Envelope
	if err := json.Unmarshal(m.Payload, &env); err != nil {
		// jsonb guarantees valid JSON, but not an object. Keep the raw
		// document as the payload and fall through to the defaults.
		env = Envelope{Payload: json.RawMessage(m.Payload)}
	}

	if env.Namespace == "" {
		env.Namespace = namespace
	}
	if env.EventType == "" {
		env.EventType = "unknown"
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	if env.EmittedAt == "" {
		at := m.EnqueuedAt
		if at.IsZero() {
			at = time.Now()
		}
		env.EmittedAt = formatEmittedAt(at)
	}
	if env.ProducerNodeID == "" {
		env.ProducerNodeID = "unknown"
	}

	env.MessageID = m.MsgID
	env.RedeliveryCount = m.ReadCount - 1
	if env.RedeliveryCount < 0 {
		env.RedeliveryCount = 0
	}
	return env
}
