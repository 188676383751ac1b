package event

import (
	"context"
	"log/slog"
	"sync"

	"energy_market/internal/infra"
)

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Bus fans events out to sinks from a single goroutine.
// Publish never blocks: when the buffer is full the event is dropped and counted,
// so a slow sink cannot stall matching or settlement.
type Bus struct {
	ch      chan Event
	sinks   []Sink
	logger  *slog.Logger
	metrics *infra.Metrics

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewBus creates a bus with the given buffer size.
func NewBus(size int, logger *slog.Logger, metrics *infra.Metrics, sinks ...Sink) *Bus {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ch:      make(chan Event, size),
		sinks:   sinks,
		logger:  logger,
		metrics: metrics,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish enqueues ev. Safe on a nil bus.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	select {
	case <-b.closed:
		b.drop(ev)
		return
	default:
	}
	select {
	case b.ch <- ev:
	default:
		b.drop(ev)
	}
}

func (b *Bus) drop(ev Event) {
	b.metrics.RecordDroppedEvent()
	b.logger.Warn("Event dropped", slog.String("type", string(ev.Type)), slog.String("key", ev.Key))
}

// Run delivers events until ctx ends or Close is called, then drains what is buffered.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case ev := <-b.ch:
			b.deliver(ctx, ev)
		case <-b.closed:
			b.drain(ctx)
			return
		case <-ctx.Done():
			b.drain(context.Background())
			return
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case ev := <-b.ch:
			b.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	for _, s := range b.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			b.logger.Error("Event delivery failed",
				slog.String("sink", s.Name()),
				slog.String("type", string(ev.Type)),
				slog.String("key", ev.Key),
				slog.Any("error", err))
		}
	}
}

// Close stops accepting events; Run drains the buffer and returns.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Done is closed when Run returns.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("EVENT",
		slog.String("type", string(ev.Type)),
		slog.String("window", ev.WindowID),
		slog.String("key", ev.Key),
		slog.Any("payload", ev.Payload))
	return nil
}
