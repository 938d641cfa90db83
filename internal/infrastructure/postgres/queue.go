package postgres

import (
	"context"
	"fmt"
	"time"
)

// Message is one row returned by pgmq.read. Payload carries the raw JSON
// envelope; ReadCount is pgmq's read_ct and includes the read in progress.
type Message struct {
	MsgID      int64
	ReadCount  int
	EnqueuedAt time.Time
	Payload    []byte
}

// Queue exposes the pgmq primitives the bus needs. All calls are single
// statements against the shared pool.
type Queue struct {
	gw *Gateway
}

func NewQueue(gw *Gateway) *Queue {
	return &Queue{gw: gw}
}

// Create creates a queue if absent. pgmq raises on duplicates in some
// versions; those are tolerated, anything else is fatal.
func (q *Queue) Create(ctx context.Context, queue string) error {
	_, err := q.gw.Exec(ctx, `SELECT pgmq.create($1)`, queue)
	if err != nil && !isDuplicateErr(err) {
		return err
	}
	return nil
}

// Send enqueues payload and returns the queue-assigned message id.
func (q *Queue) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	var msgID int64
	err := q.gw.QueryRow(ctx, `SELECT pgmq.send($1, $2::jsonb)`, queue, string(payload)).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("pgmq send: %w", err)
	}
	return msgID, nil
}

// Read claims up to qty messages, making them invisible for vt.
func (q *Queue) Read(ctx context.Context, queue string, vt time.Duration, qty int) ([]Message, error) {
	rows, err := q.gw.Query(ctx,
		`SELECT msg_id, read_ct, enqueued_at, message::text
		 FROM pgmq.read($1, $2, $3)`,
		queue, int(vt.Seconds()), qty)
	if err != nil {
		return nil, fmt.Errorf("pgmq read: %w", err)
	}
	defer rows.Close()

	var batch []Message
	for rows.Next() {
		var m Message
		var body string
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &body); err != nil {
			return nil, err
		}
		m.Payload = []byte(body)
		batch = append(batch, m)
	}
	return batch, rows.Err()
}

// Delete acknowledges a message permanently.
func (q *Queue) Delete(ctx context.Context, queue string, msgID int64) (bool, error) {
	var deleted bool
	err := q.gw.QueryRow(ctx, `SELECT pgmq.delete($1, $2::bigint)`, queue, msgID).Scan(&deleted)
	if err != nil {
		return false, fmt.Errorf("pgmq delete: %w", err)
	}
	return deleted, nil
}

// Depth returns the current queue length. Used by ops checks and tests.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := q.gw.QueryRow(ctx, `SELECT queue_length FROM pgmq.metrics($1)`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgmq metrics: %w", err)
	}
	return n, nil
}
