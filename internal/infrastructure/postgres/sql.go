package postgres

const createSchemaSQL = `CREATE SCHEMA IF NOT EXISTS core`

const createNamespacesSQL = `
CREATE TABLE IF NOT EXISTS core.namespaces (
  namespace  text PRIMARY KEY,
  created_at timestamptz NOT NULL DEFAULT now(),
  metadata   jsonb NOT NULL DEFAULT '{}'
)`

// Node ids are globally unique (node_id is the PK); the secondary unique
// constraint keeps the (namespace, node_id) contract explicit.
const createNodesSQL = `
CREATE TABLE IF NOT EXISTS core.nodes (
  node_id        text PRIMARY KEY,
  namespace      text NOT NULL REFERENCES core.namespaces(namespace) ON DELETE CASCADE,
  display_name   text NOT NULL DEFAULT '',
  description    text NOT NULL DEFAULT '',
  metadata       jsonb NOT NULL DEFAULT '{}',
  registered_at  timestamptz NOT NULL DEFAULT now(),
  last_heartbeat timestamptz NOT NULL DEFAULT now(),
  UNIQUE (namespace, node_id)
)`

const createScheduledTasksSQL = `
CREATE TABLE IF NOT EXISTS core.scheduled_tasks (
  task_id         uuid PRIMARY KEY,
  namespace       text NOT NULL REFERENCES core.namespaces(namespace) ON DELETE CASCADE,
  job_id          bigint NOT NULL,
  name            text NOT NULL,
  cron_expression text NOT NULL,
  event_type      text NOT NULL,
  payload         jsonb NOT NULL DEFAULT '{}',
  timezone        text,
  active          boolean NOT NULL DEFAULT true,
  created_at      timestamptz NOT NULL DEFAULT now(),
  updated_at      timestamptz NOT NULL DEFAULT now()
)`

const createEventLogSeqSQL = `CREATE SEQUENCE IF NOT EXISTS core.event_log_event_id_seq`

const createEventLogSQL = `
CREATE TABLE IF NOT EXISTS core.event_log (
  event_id          bigint NOT NULL DEFAULT nextval('core.event_log_event_id_seq'),
  emitted_at        timestamptz NOT NULL DEFAULT now(),
  namespace         text NOT NULL,
  event_type        text NOT NULL,
  payload           jsonb NOT NULL DEFAULT '{}',
  producer_node_id  text NOT NULL,
  scheduled_task_id uuid,
  metadata          jsonb NOT NULL DEFAULT '{}',
  PRIMARY KEY (event_id, emitted_at)
) PARTITION BY RANGE (emitted_at)`

var createIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS event_log_namespace_idx ON core.event_log (namespace)`,
	`CREATE INDEX IF NOT EXISTS event_log_event_type_idx ON core.event_log (event_type)`,
}

const insertNamespaceSQL = `
INSERT INTO core.namespaces (namespace) VALUES ($1)
ON CONFLICT (namespace) DO NOTHING`

const touchHeartbeatFnSQL = `
CREATE OR REPLACE FUNCTION core.touch_node_heartbeat(p_node_id text)
RETURNS void
LANGUAGE sql
AS $fn$
  UPDATE core.nodes SET last_heartbeat = now() WHERE node_id = p_node_id
$fn$`

const appendEventLogFnSQL = `
CREATE OR REPLACE FUNCTION core.append_event_log(
  p_namespace         text,
  p_event_type        text,
  p_payload           jsonb,
  p_producer_node_id  text,
  p_scheduled_task_id uuid DEFAULT NULL,
  p_metadata          jsonb DEFAULT '{}'
)
RETURNS bigint
LANGUAGE plpgsql
AS $fn$
DECLARE
  v_event_id bigint;
BEGIN
  INSERT INTO core.event_log (
    namespace, event_type, payload, producer_node_id, scheduled_task_id, metadata
  ) VALUES (
    p_namespace, p_event_type, COALESCE(p_payload, '{}'::jsonb),
    p_producer_node_id, p_scheduled_task_id, COALESCE(p_metadata, '{}'::jsonb)
  )
  RETURNING event_id INTO v_event_id;
  RETURN v_event_id;
END;
$fn$`

const queueNameFnSQL = `
CREATE OR REPLACE FUNCTION core.queue_name_for_namespace(p_namespace text)
RETURNS text
LANGUAGE sql
IMMUTABLE
AS $fn$
  SELECT 'core_events_' || replace(p_namespace, '-', '_')
$fn$`

const dlqNameFnSQL = `
CREATE OR REPLACE FUNCTION core.dead_letter_queue_name_for_namespace(p_namespace text)
RETURNS text
LANGUAGE sql
IMMUTABLE
AS $fn$
  SELECT core.queue_name_for_namespace(p_namespace) || '_dlq'
$fn$`

// run_scheduled_task is invoked by pg_cron. It re-enters the emit path in
// SQL: enqueue to the namespace queue, then append to the event log. The
// envelope shape must stay bytewise compatible with the Go emitter.
const runScheduledTaskFnSQL = `
CREATE OR REPLACE FUNCTION core.run_scheduled_task(p_task_id uuid)
RETURNS void
LANGUAGE plpgsql
AS $fn$
DECLARE
  v_task     core.scheduled_tasks%ROWTYPE;
  v_envelope jsonb;
BEGIN
  SELECT * INTO v_task
  FROM core.scheduled_tasks
  WHERE task_id = p_task_id AND active;

  IF NOT FOUND THEN
    RAISE NOTICE 'scheduled task % missing or inactive, skipping', p_task_id;
    RETURN;
  END IF;

  v_envelope := jsonb_build_object(
    'namespace',       v_task.namespace,
    'eventType',       v_task.event_type,
    'payload',         COALESCE(v_task.payload, '{}'::jsonb),
    'emittedAt',       to_char(now() AT TIME ZONE 'utc', 'YYYY-MM-DD"T"HH24:MI:SS.MS"+00:00"'),
    'producerNodeId',  'scheduler',
    'scheduledTaskId', v_task.task_id
  );

  PERFORM pgmq.send(core.queue_name_for_namespace(v_task.namespace), v_envelope);

  PERFORM core.append_event_log(
    v_task.namespace,
    v_task.event_type,
    COALESCE(v_task.payload, '{}'::jsonb),
    'scheduler',
    v_task.task_id,
    jsonb_build_object('jobId', v_task.job_id)
  );

  UPDATE core.scheduled_tasks SET updated_at = now() WHERE task_id = p_task_id;
END;
$fn$`

var createRoutineSQL = []string{
	touchHeartbeatFnSQL,
	appendEventLogFnSQL,
	queueNameFnSQL,
	dlqNameFnSQL,
	runScheduledTaskFnSQL,
}

const createPartmanParentSQL = `
SELECT partman.create_parent(
  p_parent_table := 'core.event_log',
  p_control      := 'emitted_at',
  p_interval     := '1 month',
  p_premake      := 6
)`

const setPartmanRetentionSQL = `
UPDATE partman.part_config
SET retention = '6 months',
    retention_keep_table = true
WHERE parent_table = 'core.event_log'`
