// Package postgres owns everything that talks to the datastore: the pooled
// gateway, the idempotent initializer and the pgmq queue primitives.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Gateway wraps a pgx pool. Each scoped borrow (WithConn, WithTx) holds
// exactly one connection and releases it on every exit path.
type Gateway struct {
	pool *pgxpool.Pool
}

func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// Dial creates a pool for the DSN and verifies connectivity.
func Dial(ctx context.Context, dsn string) (*Gateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Gateway{pool: pool}, nil
}

func (g *Gateway) Pool() *pgxpool.Pool { return g.pool }

func (g *Gateway) Close() { g.pool.Close() }

func (g *Gateway) Ping(ctx context.Context) error { return g.pool.Ping(ctx) }

func (g *Gateway) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return g.pool.Exec(ctx, sql, args...)
}

func (g *Gateway) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return g.pool.Query(ctx, sql, args...)
}

func (g *Gateway) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return g.pool.QueryRow(ctx, sql, args...)
}

// WithConn borrows one connection for the duration of fn.
func (g *Gateway) WithConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// WithTx runs fn inside a transaction: commit on success, rollback on error
// or panic. The failure is propagated unchanged.
func (g *Gateway) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		// Safety: in case fn panics, rollback to avoid leaked tx.
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
