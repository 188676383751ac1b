package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Kind of a window lifecycle signal.
type Kind int

const (
	Open Kind = iota + 1
	Close
)

func (k Kind) String() string {
	switch k {
	case Open:
		return "OPEN"
	case Close:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Signal tells the market to open or close a trading window.
type Signal struct {
	Kind     Kind
	WindowID string
	Start    time.Time
	End      time.Time
}

// WindowID names the window starting at start.
func WindowID(start time.Time) string {
	return "w-" + start.UTC().Format("20060102T150405Z")
}

// Bounds returns the fixed-length window containing t.
func Bounds(t time.Time, length time.Duration) (time.Time, time.Time) {
	start := t.UTC().Truncate(length)
	return start, start.Add(length)
}

// Scheduler emits contiguous fixed-length windows aligned to the epoch.
// At each boundary the next window opens before the previous one closes, so unmatched
// orders always have a window to roll into.
type Scheduler struct {
	length time.Duration
	out    chan Signal
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler for windows of the given length, with boundaries as in Bounds.
func New(length time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		length: length,
		out:    make(chan Signal, 4),
		logger: logger.With(slog.String("component", "scheduler")),
		now:    time.Now,
	}
}

// Signals is closed when Run returns.
func (s *Scheduler) Signals() <-chan Signal {
	return s.out
}

// Run opens the current window and then follows the boundaries until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.out)

	start, end := Bounds(s.now(), s.length)
	if !s.emit(ctx, Signal{Kind: Open, WindowID: WindowID(start), Start: start, End: end}) {
		return
	}
	s.logger.Info("Scheduler started", slog.Duration("window", s.length), slog.String("current", WindowID(start)))

	for {
		timer := time.NewTimer(time.Until(end))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next := Signal{Kind: Open, WindowID: WindowID(end), Start: end, End: end.Add(s.length)}
		if !s.emit(ctx, next) {
			return
		}
		if !s.emit(ctx, Signal{Kind: Close, WindowID: WindowID(start), Start: start, End: end}) {
			return
		}
		start, end = next.Start, next.End
	}
}

func (s *Scheduler) emit(ctx context.Context, sig Signal) bool {
	select {
	case s.out <- sig:
		s.logger.Debug("Window signal", slog.String("kind", sig.Kind.String()), slog.String("window", sig.WindowID))
		return true
	case <-ctx.Done():
		return false
	}
}
