package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/baechuer/pgbus/internal/infrastructure/postgres"
)

// fakeRow satisfies pgx.Row with a caller-supplied Scan.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type execCall struct {
	sql  string
	args []any
}

// fakeDB satisfies the database interface. WithTx runs fn against f.tx
// (nil unless a test needs transaction methods) and counts outcomes.
type fakeDB struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
	execs     []execCall
	queries   []execCall

	tx       pgx.Tx
	beginErr error
	queryRow func(sql string, args []any) pgx.Row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	f.queries = append(f.queries, execCall{sql: sql, args: args})
	f.mu.Unlock()
	if f.queryRow != nil {
		return f.queryRow(sql, args)
	}
	return fakeRow{scan: func(dest ...any) error { return nil }}
}

func (f *fakeDB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	if err := fn(f.tx); err != nil {
		f.mu.Lock()
		f.rollbacks++
		f.mu.Unlock()
		return err
	}
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	return nil
}

func (f *fakeDB) execCalls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execCall, len(f.execs))
	copy(out, f.execs)
	return out
}

// fakeTx overrides the transaction methods a test needs; everything else
// panics through the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	queryRow func(sql string, args []any) pgx.Row
	exec     func(sql string, args []any) error
	execs    []execCall
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.queryRow(sql, args)
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	if t.exec != nil {
		return pgconn.CommandTag{}, t.exec(sql, args)
	}
	return pgconn.CommandTag{}, nil
}

// fakeQueue satisfies messageQueue in memory.
type fakeQueue struct {
	mu      sync.Mutex
	nextID  int64
	sends   map[string][][]byte
	sendErr error

	batches [][]postgres.Message
	readErr error
	reads   int

	deleted   map[string][]int64
	deleteErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		sends:   make(map[string][][]byte),
		deleted: make(map[string][]int64),
	}
}

func (q *fakeQueue) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendErr != nil {
		return 0, q.sendErr
	}
	q.nextID++
	q.sends[queue] = append(q.sends[queue], payload)
	return q.nextID, nil
}

func (q *fakeQueue) Read(ctx context.Context, queue string, vt time.Duration, qty int) ([]postgres.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reads++
	if q.readErr != nil {
		return nil, q.readErr
	}
	if len(q.batches) == 0 {
		return nil, nil
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch, nil
}

func (q *fakeQueue) Delete(ctx context.Context, queue string, msgID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleteErr != nil {
		return false, q.deleteErr
	}
	q.deleted[queue] = append(q.deleted[queue], msgID)
	return true, nil
}

func (q *fakeQueue) sent(queue string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.sends[queue]))
	copy(out, q.sends[queue])
	return out
}

func (q *fakeQueue) acked(queue string) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, len(q.deleted[queue]))
	copy(out, q.deleted[queue])
	return out
}

func (q *fakeQueue) readCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reads
}

// fakeRouter satisfies eventRouter.
type fakeRouter struct {
	queues []string
	err    error
	routed []string
}

func (r *fakeRouter) Route(ctx context.Context, envelope json.RawMessage) ([]string, error) {
	r.routed = append(r.routed, string(envelope))
	if r.err != nil {
		return nil, r.err
	}
	return r.queues, nil
}
