package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/baechuer/pgbus/internal/pkg/sanitize"
)

// Initializer idempotently prepares the datastore for one namespace:
// extensions, schema objects, namespace row, pgmq queues and event-log
// partitions. Safe to re-run; concurrent runs from different processes
// converge because every statement is create-if-absent or tolerates
// duplicate errors.
type Initializer struct {
	gw        *Gateway
	namespace string
	log       zerolog.Logger

	partmanAvailable bool
}

func NewInitializer(gw *Gateway, namespace string, log zerolog.Logger) *Initializer {
	return &Initializer{
		gw:        gw,
		namespace: namespace,
		log:       log.With().Str("component", "initializer").Logger(),
	}
}

// Run performs the five phases serially. Extensions, schema and the
// namespace row block queues and partitions.
func (in *Initializer) Run(ctx context.Context) error {
	if err := in.ensureExtensions(ctx); err != nil {
		return fmt.Errorf("extensions: %w", err)
	}
	if err := in.ensureSchema(ctx); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := in.ensureNamespace(ctx); err != nil {
		return fmt.Errorf("namespace row: %w", err)
	}
	if err := in.ensureQueues(ctx); err != nil {
		return fmt.Errorf("queues: %w", err)
	}
	if err := in.ensurePartitions(ctx); err != nil {
		return fmt.Errorf("partitions: %w", err)
	}
	in.log.Info().Str("namespace", in.namespace).Msg("datastore initialized")
	return nil
}

func (in *Initializer) ensureExtensions(ctx context.Context) error {
	// pgmq and pg_cron are load-bearing; failure is fatal at connect.
	for _, ext := range []string{"pgmq", "pg_cron"} {
		if err := in.createExtension(ctx, ext); err != nil {
			return fmt.Errorf("extension %s: %w", ext, err)
		}
	}

	// Statement statistics are nice to have.
	if err := in.createExtension(ctx, "pg_stat_statements"); err != nil {
		in.log.Warn().Err(err).Msg("pg_stat_statements unavailable, continuing")
	}

	// Partition automation falls back to manual monthly partitions.
	if err := in.createExtension(ctx, "pg_partman"); err != nil {
		in.log.Warn().Err(err).Msg("pg_partman unavailable, will create partitions manually")
		in.partmanAvailable = false
	} else {
		in.partmanAvailable = true
	}
	return nil
}

func (in *Initializer) createExtension(ctx context.Context, name string) error {
	// Each create runs on its own scoped connection.
	return in.gw.WithConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS `+name+` CASCADE`)
		if err != nil && !isDuplicateErr(err) {
			return err
		}
		return nil
	})
}

func (in *Initializer) ensureSchema(ctx context.Context) error {
	stmts := []string{
		createSchemaSQL,
		createNamespacesSQL,
		createNodesSQL,
		createScheduledTasksSQL,
		createEventLogSeqSQL,
		createEventLogSQL,
	}
	stmts = append(stmts, createIndexSQL...)
	stmts = append(stmts, createRoutineSQL...)

	for _, stmt := range stmts {
		if _, err := in.gw.Exec(ctx, stmt); err != nil && !isDuplicateErr(err) {
			return err
		}
	}
	return nil
}

func (in *Initializer) ensureNamespace(ctx context.Context) error {
	_, err := in.gw.Exec(ctx, insertNamespaceSQL, in.namespace)
	return err
}

func (in *Initializer) ensureQueues(ctx context.Context) error {
	q := NewQueue(in.gw)
	for _, name := range []string{
		sanitize.QueueName(in.namespace),
		sanitize.DLQName(in.namespace),
	} {
		if err := q.Create(ctx, name); err != nil {
			return fmt.Errorf("create queue %s: %w", name, err)
		}
	}
	return nil
}

func (in *Initializer) ensurePartitions(ctx context.Context) error {
	if in.partmanAvailable {
		_, err := in.gw.Exec(ctx, createPartmanParentSQL)
		if err != nil && !isDuplicateErr(err) && !isAlreadyManagedErr(err) {
			return fmt.Errorf("partman create_parent: %w", err)
		}
		if _, err := in.gw.Exec(ctx, setPartmanRetentionSQL); err != nil {
			in.log.Warn().Err(err).Msg("partman retention update failed")
		}
		return nil
	}

	// Manual fallback: current month plus the next six.
	now := time.Now().UTC()
	for i := 0; i <= 6; i++ {
		stmt := partitionDDL(now, i)
		if _, err := in.gw.Exec(ctx, stmt); err != nil && !isDuplicateErr(err) {
			return fmt.Errorf("create partition: %w", err)
		}
	}
	return nil
}

// partitionDDL builds a monthly partition statement offset months from t.
func partitionDDL(t time.Time, offset int) string {
	from, to := partitionBounds(t, offset)
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS core.%s PARTITION OF core.event_log FOR VALUES FROM ('%s') TO ('%s')`,
		partitionName(t, offset),
		from.Format("2006-01-02"),
		to.Format("2006-01-02"),
	)
}

func partitionBounds(t time.Time, offset int) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, offset, 0)
	return start, start.AddDate(0, 1, 0)
}

func partitionName(t time.Time, offset int) string {
	from, _ := partitionBounds(t, offset)
	return "event_log_p" + from.Format("2006_01")
}

// isDuplicateErr reports whether err is an "already exists" style failure
// that an idempotent initializer must tolerate.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P06", // duplicate_schema
			"42P07", // duplicate_table
			"42710", // duplicate_object
			"23505": // unique_violation
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isAlreadyManagedErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already managed")
}
