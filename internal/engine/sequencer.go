package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"energy_market/internal/domain"
	"energy_market/internal/infra"
)

// Persister is the slice of the record store a sequencer writes through.
type Persister interface {
	SaveOrder(ctx context.Context, o *domain.Order) error
	PersistPass(ctx context.Context, trades []*domain.TradeMatch, orders []*domain.Order) error
}

// SequencerConfig tunes a window sequencer.
type SequencerConfig struct {
	Interval  time.Duration // matching pass cadence
	InboxSize int
	Policy    Policy
	DumpDir   string // where halt dumps are written; empty means the working directory
	Logger    *slog.Logger
	Metrics   *infra.Metrics
	// OnPass receives every pass result after it is durable. It runs on the sequencer
	// goroutine and must not block.
	OnPass func(*PassResult)
	// OnHalt is called once, on the sequencer goroutine, when the window halts.
	OnHalt func(error)
}

type commandKind int

const (
	cmdSubmit commandKind = iota + 1
	cmdCancel
	cmdPass
	cmdClose
)

type command struct {
	kind    commandKind
	order   *domain.Order
	orderID string
	reply   chan reply
}

type reply struct {
	order *domain.Order
	pass  *PassResult
	rest  []*domain.Order
	err   error
}

// CloseResult is what a window leaves behind when it closes.
type CloseResult struct {
	Final     *PassResult     // the last matching pass
	Unmatched []*domain.Order // orders still resting, already removed from the book
}

// Sequencer is the single writer of one window's order book.
//
// Submissions, cancellations and matching passes are funnelled through one goroutine, so an
// order submitted mid-cycle lands either in the current pass or the next. Depth reads are
// served from a copy refreshed after every mutation.
type Sequencer struct {
	windowID string
	book     *Book
	inbox    chan command
	store    Persister
	cfg      SequencerConfig
	logger   *slog.Logger

	mu     sync.RWMutex // guards depth and halted for external reads
	depth  Depth
	halted error

	done chan struct{}
}

// NewSequencer creates a sequencer for an empty book.
func NewSequencer(windowID string, store Persister, cfg SequencerConfig) *Sequencer {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sequencer{
		windowID: windowID,
		book:     NewBook(windowID),
		inbox:    make(chan command, cfg.InboxSize),
		store:    store,
		cfg:      cfg,
		logger:   logger.With(slog.String("window", windowID)),
		done:     make(chan struct{}),
	}
	s.depth = s.book.Snapshot(0)
	return s
}

// WindowID returns the window this sequencer serves.
func (s *Sequencer) WindowID() string {
	return s.windowID
}

// Restore loads already-persisted open orders into the book. It must be called before Run.
func (s *Sequencer) Restore(orders []*domain.Order) error {
	for _, o := range orders {
		if err := s.book.Insert(o); err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
	}
	s.refreshDepth()
	return nil
}

// Run processes commands and timed passes until ctx ends or the window closes.
// It MUST run in exactly one goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("Sequencer started", slog.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sequencer stopping...")
			return
		case <-ticker.C:
			if s.Halted() == nil {
				s.runPass(ctx)
			}
		case cmd := <-s.inbox:
			if closed := s.handle(ctx, cmd); closed {
				s.logger.Info("Sequencer closed")
				return
			}
		}
	}
}

// Done is closed when Run returns.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Submit inserts an order into the book and persists it as Active.
func (s *Sequencer) Submit(ctx context.Context, o *domain.Order) error {
	r, err := s.call(ctx, command{kind: cmdSubmit, order: o})
	if err != nil {
		return err
	}
	return r.err
}

// Cancel removes a resting order and persists it as Cancelled.
func (s *Sequencer) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	r, err := s.call(ctx, command{kind: cmdCancel, orderID: orderID})
	if err != nil {
		return nil, err
	}
	return r.order, r.err
}

// MatchNow runs a matching pass immediately instead of waiting for the next tick.
func (s *Sequencer) MatchNow(ctx context.Context) (*PassResult, error) {
	r, err := s.call(ctx, command{kind: cmdPass})
	if err != nil {
		return nil, err
	}
	return r.pass, r.err
}

// Close runs a final pass, empties the book and stops the sequencer.
func (s *Sequencer) Close(ctx context.Context) (*CloseResult, error) {
	r, err := s.call(ctx, command{kind: cmdClose})
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return &CloseResult{Final: r.pass, Unmatched: r.rest}, nil
}

// Depth returns the latest book copy, truncated to levels per side.
func (s *Sequencer) Depth(levels int) Depth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.depth
	if levels > 0 {
		if len(d.Bids) > levels {
			d.Bids = d.Bids[:levels]
		}
		if len(d.Asks) > levels {
			d.Asks = d.Asks[:levels]
		}
	}
	return d
}

// Halted returns the invariant violation that stopped this window, if any.
func (s *Sequencer) Halted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

func (s *Sequencer) call(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return reply{}, domain.ErrWindowClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-s.done:
		// Run may have answered just before exiting.
		select {
		case r := <-cmd.reply:
			return r, nil
		default:
			return reply{}, domain.ErrWindowClosed
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (s *Sequencer) handle(ctx context.Context, cmd command) (closed bool) {
	if err := s.Halted(); err != nil {
		cmd.reply <- reply{err: fmt.Errorf("%w: %v", domain.ErrWindowHalted, err)}
		return false
	}

	switch cmd.kind {
	case cmdSubmit:
		cmd.reply <- reply{err: s.submit(ctx, cmd.order)}
	case cmdCancel:
		o, err := s.cancel(ctx, cmd.orderID)
		cmd.reply <- reply{order: o, err: err}
	case cmdPass:
		res, err := s.runPass(ctx)
		cmd.reply <- reply{pass: res, err: err}
	case cmdClose:
		res, err := s.runPass(ctx)
		if err != nil {
			cmd.reply <- reply{pass: res, err: err}
			return false
		}
		rest := s.book.Orders()
		for _, o := range rest {
			if _, err := s.book.Remove(o.ID); err != nil {
				s.halt(&domain.InvariantViolation{WindowID: s.windowID, Detail: "drain: " + err.Error()})
				cmd.reply <- reply{err: s.Halted()}
				return false
			}
		}
		s.refreshDepth()
		cmd.reply <- reply{pass: res, rest: rest}
		return true
	default:
		cmd.reply <- reply{err: fmt.Errorf("unknown command %d", cmd.kind)}
	}
	return false
}

func (s *Sequencer) submit(ctx context.Context, o *domain.Order) error {
	prev := o.Status
	if err := s.book.Insert(o); err != nil {
		return err
	}
	if err := s.store.SaveOrder(ctx, o); err != nil {
		s.book.Remove(o.ID)
		o.Status = prev
		return fmt.Errorf("persist order: %w", err)
	}
	s.refreshDepth()
	return nil
}

func (s *Sequencer) cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.book.Remove(orderID)
	if err != nil {
		return nil, err
	}
	prev := o.Status
	o.Status = domain.OrderStatusCancelled
	if err := s.store.SaveOrder(ctx, o); err != nil {
		o.Status = prev
		if rerr := s.book.Insert(o); rerr != nil {
			s.halt(&domain.InvariantViolation{WindowID: s.windowID, Detail: "cancel rollback: " + rerr.Error()})
		}
		return nil, fmt.Errorf("persist cancel: %w", err)
	}
	s.cfg.Metrics.RecordCancel()
	s.refreshDepth()
	return o, nil
}

// runPass matches, verifies and persists. Trades are durable before the next command runs.
func (s *Sequencer) runPass(ctx context.Context) (*PassResult, error) {
	start := time.Now()
	res, matchErr := Match(s.book, s.cfg.Policy)
	if matchErr == nil {
		matchErr = s.book.Verify()
	}
	if matchErr == nil && s.book.Crossed() {
		matchErr = &domain.InvariantViolation{WindowID: s.windowID, Detail: "book still crossed after pass"}
	}

	if len(res.Touched) > 0 {
		if err := s.store.PersistPass(ctx, res.Trades, res.Touched); err != nil {
			// The book is now ahead of the durable record; continuing risks lost trades.
			s.halt(&domain.InvariantViolation{WindowID: s.windowID, Detail: "persist pass: " + err.Error()})
			return res, s.Halted()
		}
	}
	if matchErr != nil {
		s.halt(matchErr)
		return res, s.Halted()
	}

	for _, t := range res.Trades {
		s.cfg.Metrics.RecordTrade(t.Quantity)
	}
	for range res.Cancelled {
		s.cfg.Metrics.RecordCancel()
	}
	s.cfg.Metrics.ObservePass(time.Since(start))

	if len(res.Touched) > 0 {
		s.refreshDepth()
		if len(res.Trades) > 0 {
			s.logger.Debug("Matching pass", slog.Int("trades", len(res.Trades)), slog.Int("cancelled", len(res.Cancelled)))
		}
		if s.cfg.OnPass != nil {
			s.cfg.OnPass(res)
		}
	}
	return res, nil
}

func (s *Sequencer) halt(err error) {
	var iv *domain.InvariantViolation
	if !errors.As(err, &iv) {
		err = &domain.InvariantViolation{WindowID: s.windowID, Detail: err.Error()}
	}

	s.mu.Lock()
	if s.halted != nil {
		s.mu.Unlock()
		return
	}
	s.halted = err
	s.mu.Unlock()

	s.cfg.Metrics.RecordHalt()
	s.logger.Error("WINDOW_HALTED", slog.Any("error", err))
	s.DumpState(filepath.Join(s.cfg.DumpDir, "halt_"+s.windowID+".json"))
	if s.cfg.OnHalt != nil {
		s.cfg.OnHalt(err)
	}
}

func (s *Sequencer) refreshDepth() {
	d := s.book.Snapshot(0)
	s.mu.Lock()
	s.depth = d
	s.mu.Unlock()
}

// DumpState writes the book's resting orders to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	s.logger.Info("Dumping book state...", slog.String("file", filename))

	data := struct {
		WindowID string          `json:"window_id"`
		Halted   string          `json:"halted,omitempty"`
		Orders   []*domain.Order `json:"orders"`
	}{
		WindowID: s.windowID,
		Orders:   s.book.Orders(),
	}
	if err := s.Halted(); err != nil {
		data.Halted = err.Error()
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		s.logger.Error("Failed to create dump directory", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		s.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
