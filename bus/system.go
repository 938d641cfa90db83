package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/pgbus/internal/infrastructure/postgres"
	"github.com/baechuer/pgbus/internal/pkg/sanitize"
	"github.com/baechuer/pgbus/internal/router"
)

// System is one process's view of a namespace: the pooled gateway, the
// handler registry, the single consumer and the emit path. Multiple systems
// may coexist in one process against different namespaces.
type System struct {
	opts Options
	log  zerolog.Logger

	gw    *postgres.Gateway
	queue *postgres.Queue

	queueName string
	dlqName   string

	reg       *Registry
	consumer  *Consumer
	emitter   *Emitter
	scheduler *Scheduler

	router   *router.Client
	enhanced bool

	mu     sync.Mutex
	nodes  []*Node
	closed bool
}

// Connect initializes the datastore for the namespace and starts the
// process-wide consumer.
func Connect(ctx context.Context, opts Options) (*System, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	log := resolveLogger(opts)

	gw, err := postgres.Dial(ctx, opts.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	if err := postgres.NewInitializer(gw, opts.Namespace, log).Run(ctx); err != nil {
		gw.Close()
		return nil, fmt.Errorf("bus: initialize: %w", err)
	}

	sys := &System{
		opts:      opts,
		log:       log,
		gw:        gw,
		queue:     postgres.NewQueue(gw),
		queueName: sanitize.QueueName(opts.Namespace),
		dlqName:   sanitize.DLQName(opts.Namespace),
		reg:       NewRegistry(),
	}

	if err := sys.detectMode(ctx); err != nil {
		gw.Close()
		return nil, err
	}

	var rt eventRouter
	if sys.enhanced {
		rt = routeAdapter{sys.router}
	}
	sys.emitter = newEmitter(opts.Namespace, sys.queueName, gw, sys.queue, rt, log)
	sys.scheduler = newScheduler(opts.Namespace, gw, log)
	sys.consumer = newConsumer(opts, sys.queueName, sys.dlqName, gw, sys.queue, sys.reg, log)
	sys.consumer.Start()

	log.Info().
		Str("namespace", opts.Namespace).
		Bool("enhanced", sys.enhanced).
		Msg("bus connected")
	return sys, nil
}

func resolveLogger(opts Options) zerolog.Logger {
	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		log = zerolog.New(out).With().Timestamp().Logger()
	}
	ctxLog := log.With().Str("namespace", opts.Namespace)
	if opts.Application != "" {
		ctxLog = ctxLog.Str("application", opts.Application)
	}
	return ctxLog.Logger()
}

// detectMode picks standalone vs enhanced. EnableWorkers forces enhanced;
// AutoDetectWorkers probes the router health endpoint and falls back.
func (s *System) detectMode(ctx context.Context) error {
	switch {
	case s.opts.EnableWorkers:
		s.router = router.NewClient(s.opts.WorkerAPIEndpoint, s.log)
		s.enhanced = true
	case s.opts.AutoDetectWorkers && s.opts.WorkerAPIEndpoint != "":
		rc := router.NewClient(s.opts.WorkerAPIEndpoint, s.log)
		if rc.HealthCheck(ctx) {
			s.router = rc
			s.enhanced = true
		} else {
			s.log.Info().Msg("worker router unavailable, running standalone")
		}
	}

	if !s.enhanced {
		return nil
	}
	if err := s.router.RegisterWorker(ctx, s.opts.WorkerID, s.opts.Namespace); err != nil {
		return fmt.Errorf("bus: worker registration: %w", err)
	}
	s.log.Info().Str("worker_id", s.opts.WorkerID).Msg("registered with worker router")
	return nil
}

type routeAdapter struct{ c *router.Client }

func (a routeAdapter) Route(ctx context.Context, envelope json.RawMessage) ([]string, error) {
	return a.c.Route(ctx, envelope)
}

// Node upserts the registration row and returns a handle sharing the
// process-wide registry and consumer. Node ids are globally unique: an id
// already owned by another namespace is rejected.
func (s *System) Node(ctx context.Context, id string, opts NodeOptions) (*Node, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	id = sanitize.Identifier(id)

	var existingNS string
	err := s.gw.QueryRow(ctx, `SELECT namespace FROM core.nodes WHERE node_id = $1`, id).Scan(&existingNS)
	if err == nil && existingNS != s.opts.Namespace {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrNodeNamespaceConflict, id, existingNS)
	}

	meta, err := json.Marshal(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal node metadata: %w", err)
	}
	if opts.Metadata == nil {
		meta = []byte(`{}`)
	}

	_, err = s.gw.Exec(ctx,
		`INSERT INTO core.nodes (node_id, namespace, display_name, description, metadata)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (node_id) DO UPDATE SET
		   display_name   = excluded.display_name,
		   description    = excluded.description,
		   metadata       = excluded.metadata,
		   last_heartbeat = now()`,
		id, s.opts.Namespace, opts.DisplayName, opts.Description, string(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: register node: %w", err)
	}

	node := &Node{
		id:        id,
		namespace: s.opts.Namespace,
		reg:       s.reg,
		db:        s.gw,
		emitter:   s.emitter,
		scheduler: s.scheduler,
		log:       s.log.With().Str("node_id", id).Logger(),

		hbInterval: heartbeatInterval,
	}
	if s.enhanced {
		node.notifySubscribe = s.notifyRouter("subscribe", s.router.Subscribe)
		node.notifyUnsubscribe = s.notifyRouter("unsubscribe", s.router.Unsubscribe)
	}

	s.mu.Lock()
	s.nodes = append(s.nodes, node)
	s.mu.Unlock()

	s.log.Info().Str("node_id", id).Msg("node registered")
	return node, nil
}

// notifyRouter wraps a router subscription call as best-effort: failures
// are logged, the local registry stays authoritative.
func (s *System) notifyRouter(op string, call func(context.Context, string, []string) error) func(string) {
	return func(eventType string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := call(ctx, s.opts.WorkerID, []string{eventType}); err != nil {
			s.log.Warn().Err(err).Str("event_type", eventType).Str("op", op).Msg("router notify failed")
		}
	}
}

// Registry exposes the process-wide handler registry.
func (s *System) Registry() *Registry { return s.reg }

// QueueName returns the namespace's main queue name.
func (s *System) QueueName() string { return s.queueName }

// DLQName returns the namespace's dead-letter queue name.
func (s *System) DLQName() string { return s.dlqName }

// Enhanced reports whether the system routes emits through a worker router.
func (s *System) Enhanced() bool { return s.enhanced }

// Ping verifies datastore connectivity. Used by ops health checks.
func (s *System) Ping(ctx context.Context) error { return s.gw.Ping(ctx) }

// Close stops the consumer after the in-flight batch entry resolves, stops
// node heartbeats and drains the pool. Idempotent.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	nodes := make([]*Node, len(s.nodes))
	copy(nodes, s.nodes)
	s.mu.Unlock()

	err := s.consumer.Stop(ctx)
	for _, n := range nodes {
		n.Stop()
	}
	s.gw.Close()
	s.log.Info().Msg("bus closed")
	return err
}
