package bus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// schedulerDB routes QueryRow by statement so one fake serves both the
// cron.schedule call and the task insert.
func schedulerDB(t *testing.T, jobID *int64, cronErr error) *fakeDB {
	t.Helper()
	db := &fakeDB{}
	db.queryRow = func(sql string, args []any) pgx.Row {
		switch {
		case strings.Contains(sql, "cron.schedule"):
			return fakeRow{scan: func(dest ...any) error {
				if cronErr != nil {
					return cronErr
				}
				*(dest[0].(**int64)) = jobID
				return nil
			}}
		case strings.Contains(sql, "INSERT INTO core.scheduled_tasks"):
			return fakeRow{scan: func(dest ...any) error {
				now := time.Now()
				*(dest[0].(*time.Time)) = now
				*(dest[1].(*time.Time)) = now
				return nil
			}}
		default:
			t.Fatalf("unexpected query: %s", sql)
			return nil
		}
	}
	return db
}

func TestScheduleTask(t *testing.T) {
	jobID := int64(99)
	db := schedulerDB(t, &jobID, nil)
	s := newScheduler("demo", db, zerolog.Nop())

	task, err := s.ScheduleTask(context.Background(), TaskDefinition{
		Name:           "daily cleanup",
		CronExpression: "0 3 * * *",
		EventType:      "cleanup.daily",
		Payload:        map[string]int{"retentionDays": 30},
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, task.TaskID)
	assert.Equal(t, "demo", task.Namespace)
	assert.Equal(t, int64(99), task.JobID)
	assert.Equal(t, "daily cleanup", task.Name)
	assert.True(t, task.Active)
	assert.False(t, task.CreatedAt.IsZero())
	assert.JSONEq(t, `{"retentionDays":30}`, string(task.Payload))

	require.Len(t, db.queries, 2)

	// Job name embeds the sanitized task name and the task id.
	sched := db.queries[0]
	jobName := sched.args[0].(string)
	assert.Equal(t, "demo_daily_cleanup_"+task.TaskID.String(), jobName)
	assert.Equal(t, "0 3 * * *", sched.args[1])
	assert.Equal(t, "SELECT core.run_scheduled_task('"+task.TaskID.String()+"')", sched.args[2])

	insert := db.queries[1]
	assert.Equal(t, task.TaskID, insert.args[0])
	assert.Nil(t, insert.args[7]) // empty timezone stored as NULL
}

func TestScheduleTaskValidation(t *testing.T) {
	s := newScheduler("demo", &fakeDB{}, zerolog.Nop())

	for _, def := range []TaskDefinition{
		{CronExpression: "* * * * *", EventType: "t"},
		{Name: "n", EventType: "t"},
		{Name: "n", CronExpression: "* * * * *"},
	} {
		_, err := s.ScheduleTask(context.Background(), def)
		assert.Error(t, err)
	}
}

func TestScheduleTaskNilJobID(t *testing.T) {
	// cron.schedule returning NULL means pg_cron rejected the job silently.
	db := schedulerDB(t, nil, nil)
	s := newScheduler("demo", db, zerolog.Nop())

	_, err := s.ScheduleTask(context.Background(), TaskDefinition{
		Name:           "n",
		CronExpression: "* * * * *",
		EventType:      "t",
	})
	assert.ErrorIs(t, err, ErrNilJobID)
}

func TestScheduleTaskCronError(t *testing.T) {
	db := schedulerDB(t, nil, errors.New("invalid schedule"))
	s := newScheduler("demo", db, zerolog.Nop())

	_, err := s.ScheduleTask(context.Background(), TaskDefinition{
		Name:           "n",
		CronExpression: "not cron",
		EventType:      "t",
	})
	assert.ErrorContains(t, err, "cron schedule")
}

func TestUnscheduleTask(t *testing.T) {
	taskID := uuid.New()
	tx := &fakeTx{
		queryRow: func(sql string, args []any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*(dest[0].(*int64)) = 55
				return nil
			}}
		},
	}
	db := &fakeDB{tx: tx}
	s := newScheduler("demo", db, zerolog.Nop())

	require.NoError(t, s.UnscheduleTask(context.Background(), taskID))
	assert.Equal(t, 1, db.commits)

	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "SET active = false")
	assert.Contains(t, tx.execs[1].sql, "cron.unschedule")
	assert.Equal(t, int64(55), tx.execs[1].args[0])
}

func TestUnscheduleTaskNotFound(t *testing.T) {
	tx := &fakeTx{
		queryRow: func(sql string, args []any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	db := &fakeDB{tx: tx}
	s := newScheduler("demo", db, zerolog.Nop())

	err := s.UnscheduleTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, 1, db.rollbacks)
	assert.Empty(t, tx.execs)
}

func TestUnscheduleTaskCronFailureRollsBack(t *testing.T) {
	tx := &fakeTx{
		queryRow: func(sql string, args []any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*(dest[0].(*int64)) = 55
				return nil
			}}
		},
		exec: func(sql string, args []any) error {
			if strings.Contains(sql, "cron.unschedule") {
				return errors.New("job does not exist")
			}
			return nil
		},
	}
	db := &fakeDB{tx: tx}
	s := newScheduler("demo", db, zerolog.Nop())

	err := s.UnscheduleTask(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "cron unschedule")
	assert.Equal(t, 1, db.rollbacks)
	assert.Equal(t, 0, db.commits)
}
