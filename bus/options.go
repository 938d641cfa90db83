package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/pgbus/internal/pkg/sanitize"
)

var (
	// ErrClosed is returned by operations on a closed system.
	ErrClosed = errors.New("bus: system is closed")

	// ErrNodeNamespaceConflict is returned when a node id is already
	// registered under a different namespace. Node ids are globally unique.
	ErrNodeNamespaceConflict = errors.New("bus: node id registered in another namespace")

	// ErrNilJobID is returned when the cron extension accepts a schedule
	// call but hands back no job id.
	ErrNilJobID = errors.New("bus: cron schedule returned null job id")
)

const (
	defaultIdlePollInterval  = 1000 * time.Millisecond
	defaultVisibilityTimeout = 30 * time.Second
	defaultBatchSize         = 10
	readErrorBackoff         = 2 * time.Second
	heartbeatInterval        = 30 * time.Second
)

// Options configures Connect. ConnectionString and Namespace are required.
type Options struct {
	ConnectionString string
	Namespace        string

	// Application tags log lines only.
	Application string

	IdlePollInterval  time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int

	// Enhanced mode: EnableWorkers forces it (WorkerAPIEndpoint required),
	// AutoDetectWorkers probes the router and falls back to standalone.
	EnableWorkers     bool
	WorkerAPIEndpoint string
	WorkerID          string
	AutoDetectWorkers bool

	// DLQUnroutable restores the legacy behaviour of dead-lettering
	// messages that have no registered handler. Default is to leave them
	// for visibility-timeout redelivery.
	DLQUnroutable bool

	// Logger overrides the default console sink.
	Logger *zerolog.Logger
}

func (o *Options) normalize() error {
	if o.ConnectionString == "" {
		return fmt.Errorf("bus: connection string is required")
	}
	if o.Namespace == "" {
		return fmt.Errorf("bus: namespace is required")
	}
	o.Namespace = sanitize.Identifier(o.Namespace)

	if o.IdlePollInterval <= 0 {
		o.IdlePollInterval = defaultIdlePollInterval
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = defaultVisibilityTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}

	if o.EnableWorkers && o.WorkerAPIEndpoint == "" {
		return fmt.Errorf("bus: EnableWorkers requires WorkerAPIEndpoint")
	}
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.NewString()
	}
	return nil
}

// NodeOptions describe the registration row for a node.
type NodeOptions struct {
	DisplayName string
	Description string
	Metadata    map[string]any
}

type emitSettings struct {
	broadcast bool
}

// EmitOption tweaks a single Emit call.
type EmitOption func(*emitSettings)

// WithBroadcast marks the envelope for delivery to every handler of every
// type except those owned by the producer node.
func WithBroadcast() EmitOption {
	return func(s *emitSettings) { s.broadcast = true }
}
