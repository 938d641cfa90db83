package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/baechuer/pgbus/internal/pkg/sanitize"
)

// ErrTaskNotFound is returned when unscheduling a task that does not exist
// in this namespace.
var ErrTaskNotFound = errors.New("bus: scheduled task not found")

// TaskDefinition describes a cron-triggered emission.
type TaskDefinition struct {
	Name           string
	CronExpression string
	EventType      string
	Payload        any
	Timezone       string
}

// ScheduledTask is the hydrated task row.
type ScheduledTask struct {
	TaskID         uuid.UUID
	Namespace      string
	JobID          int64
	Name           string
	CronExpression string
	EventType      string
	Payload        json.RawMessage
	Timezone       string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Scheduler persists cron job rows. The actual firing is done by pg_cron
// calling core.run_scheduled_task, which re-enters the emit path in SQL.
type Scheduler struct {
	namespace string
	db        database
	log       zerolog.Logger
}

func newScheduler(namespace string, db database, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		namespace: namespace,
		db:        db,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// ScheduleTask registers the cron entry first, then inserts the task row.
// Task ids are full UUIDs, matching the run_scheduled_task signature.
func (s *Scheduler) ScheduleTask(ctx context.Context, def TaskDefinition) (*ScheduledTask, error) {
	if def.Name == "" || def.CronExpression == "" || def.EventType == "" {
		return nil, fmt.Errorf("bus: task name, cron expression and event type are required")
	}

	payload, err := marshalPayload(def.Payload)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal task payload: %w", err)
	}

	taskID := uuid.New()
	jobName := s.namespace + "_" + sanitize.Identifier(def.Name) + "_" + taskID.String()
	// taskID is a generated UUID, safe to interpolate.
	command := fmt.Sprintf("SELECT core.run_scheduled_task('%s')", taskID)

	var jobID *int64
	err = s.db.QueryRow(ctx, `SELECT cron.schedule($1, $2, $3)`, jobName, def.CronExpression, command).Scan(&jobID)
	if err != nil {
		return nil, fmt.Errorf("bus: cron schedule: %w", err)
	}
	if jobID == nil {
		return nil, ErrNilJobID
	}

	task := &ScheduledTask{
		TaskID:         taskID,
		Namespace:      s.namespace,
		JobID:          *jobID,
		Name:           def.Name,
		CronExpression: def.CronExpression,
		EventType:      def.EventType,
		Payload:        payload,
		Timezone:       def.Timezone,
		Active:         true,
	}

	var tz any
	if def.Timezone != "" {
		tz = def.Timezone
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO core.scheduled_tasks
		   (task_id, namespace, job_id, name, cron_expression, event_type, payload, timezone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		 RETURNING created_at, updated_at`,
		taskID, s.namespace, *jobID, def.Name, def.CronExpression, def.EventType, string(payload), tz,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("bus: insert task row: %w", err)
	}

	s.log.Info().
		Str("task_id", taskID.String()).
		Int64("job_id", *jobID).
		Str("cron", def.CronExpression).
		Str("event_type", def.EventType).
		Msg("task scheduled")
	return task, nil
}

// UnscheduleTask flips active=false and removes the cron entry in one
// transaction.
func (s *Scheduler) UnscheduleTask(ctx context.Context, taskID uuid.UUID) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var jobID int64
		err := tx.QueryRow(ctx,
			`SELECT job_id FROM core.scheduled_tasks
			 WHERE task_id = $1 AND namespace = $2
			 FOR UPDATE`,
			taskID, s.namespace,
		).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE core.scheduled_tasks SET active = false, updated_at = now() WHERE task_id = $1`,
			taskID,
		); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `SELECT cron.unschedule($1::bigint)`, jobID); err != nil {
			return fmt.Errorf("cron unschedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("task_id", taskID.String()).Msg("task unscheduled")
	return nil
}
