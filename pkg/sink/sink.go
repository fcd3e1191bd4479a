// Package sink delivers bus events to external stores: the log, Redis and a
// SQLite history database.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/events"
)

// ErrNotFound is returned by stores for unknown records
var ErrNotFound = errors.New("record not found")

const (
	defaultBuffer  = 1024
	defaultTimeout = 5 * time.Second
)

// Sink consumes events. Handle is called from a single goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt events.Event) error
	Close() error
}

// Dispatcher subscribes to a bus and hands every event to each sink in
// order. A failing sink is logged and does not affect the others.
type Dispatcher struct {
	bus     *events.Bus
	sinks   []Sink
	logger  zerolog.Logger
	buffer  int
	timeout time.Duration

	mu          sync.Mutex
	unsubscribe func()
	done        chan struct{}
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithBuffer sets the subscription buffer
func WithBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = n
		}
	}
}

// WithHandleTimeout bounds each Handle call
func WithHandleTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher for sinks
func NewDispatcher(bus *events.Bus, logger zerolog.Logger, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:     bus,
		sinks:   sinks,
		logger:  logger.With().Str("component", "sink-dispatcher").Logger(),
		buffer:  defaultBuffer,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes to the bus
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		return fmt.Errorf("dispatcher already started")
	}
	ch, unsubscribe := d.bus.Subscribe(d.buffer)
	d.unsubscribe = unsubscribe
	d.done = make(chan struct{})

	go d.loop(ch, d.done)
	d.logger.Info().Int("sinks", len(d.sinks)).Msg("Event sinks started")
	return nil
}

func (d *Dispatcher) loop(ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for evt := range ch {
		d.deliver(evt)
	}
}

func (d *Dispatcher) deliver(evt events.Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Handle(ctx, evt)
		cancel()
		if err != nil {
			observability.RecordSinkError(s.Name())
			d.logger.Error().
				Err(err).
				Str("sink", s.Name()).
				Str("event", string(evt.Type)).
				Msg("Sink failed to handle event")
		}
	}
}

// Stop unsubscribes, delivers the events already buffered and closes every
// sink.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	unsubscribe, done := d.unsubscribe, d.done
	d.unsubscribe = nil
	d.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("draining event sinks: %w", ctx.Err())
		}
	}

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event to a zerolog logger
type LogSink struct {
	logger zerolog.Logger
	output bool
}

// NewLogSink creates a log sink. Output chunks are logged at debug level
// only when includeOutput is set.
func NewLogSink(logger zerolog.Logger, includeOutput bool) *LogSink {
	return &LogSink{
		logger: logger.With().Str("component", "events").Logger(),
		output: includeOutput,
	}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Handle implements Sink
func (s *LogSink) Handle(_ context.Context, evt events.Event) error {
	if evt.Type == events.SessionOutput {
		if s.output {
			s.logger.Debug().Str("session_id", evt.SessionID).Int("bytes", len(evt.Chunk)).Msg(string(evt.Type))
		}
		return nil
	}

	var entry *zerolog.Event
	if evt.Error != "" {
		entry = s.logger.Warn().Str("error", evt.Error)
	} else {
		entry = s.logger.Info()
	}
	if evt.SessionID != "" {
		entry = entry.Str("session_id", evt.SessionID)
	}
	if evt.AgentRef != "" {
		entry = entry.Str("agent_ref", evt.AgentRef)
	}
	if evt.PipelineRunID != "" {
		entry = entry.Str("pipeline_run_id", evt.PipelineRunID).Str("pipeline_id", evt.PipelineID)
	}
	if evt.StepIndex != nil {
		entry = entry.Int("step_index", *evt.StepIndex)
	}
	entry.Time("event_time", evt.Timestamp).Msg(string(evt.Type))
	return nil
}

// Close implements Sink
func (s *LogSink) Close() error { return nil }
