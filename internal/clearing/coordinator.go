package clearing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"energy_market/internal/domain"
	"energy_market/internal/engine"
	"energy_market/internal/event"
	"energy_market/internal/infra"
	"energy_market/internal/scheduler"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settler receives a cleared window's trades. Submit must be idempotent per trade.
type Settler interface {
	Submit(ctx context.Context, trades []*domain.TradeMatch) ([]*domain.Settlement, error)
}

// Config tunes the clearing cycle.
type Config struct {
	MatchInterval       time.Duration
	ExpiryPolicy        string // infra.ExpiryPolicyExpire or infra.ExpiryPolicyRollForward
	SelfTradePrevention bool
	PriceDecimals       int32
	QuantityDecimals    int32
	SettleCheckInterval time.Duration
	DumpDir             string
}

type window struct {
	w      *domain.Window
	seq    *engine.Sequencer
	cancel context.CancelFunc
}

// clearedWindow tracks a closed window until it settles. Steps that failed are retried
// by CheckSettled.
type clearedWindow struct {
	mu        sync.Mutex
	w         *domain.Window // Status is Active until the Cleared transition is saved
	unmatched []*domain.Order // orders still waiting for a recorded disposition
	handedOff bool           // trades submitted to the settler
}

// Coordinator owns the lifecycle of trading windows: it opens a sequencer per Active
// window, routes order intake to it, closes it on the scheduler's signal, disposes of
// unmatched orders and hands trades to settlement. A Cleared window becomes Settled once
// none of its settlements is still open.
type Coordinator struct {
	store   domain.Store
	settler Settler
	events  event.Publisher
	metrics *infra.Metrics
	logger  *slog.Logger
	cfg     Config

	mu      sync.RWMutex
	active  map[string]*window
	cleared map[string]*clearedWindow
	halted  map[string]string // windows halted before a restart, by reason

	orderSeq atomic.Uint64

	baseCtx context.Context
	stop    context.CancelFunc

	now   func() time.Time
	newID func() string
}

// NewCoordinator creates a coordinator. Call Recover before accepting signals.
func NewCoordinator(store domain.Store, settler Settler, cfg Config, events event.Publisher, metrics *infra.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.ExpiryPolicy == "" {
		cfg.ExpiryPolicy = infra.ExpiryPolicyExpire
	}
	if cfg.SettleCheckInterval <= 0 {
		cfg.SettleCheckInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:   store,
		settler: settler,
		events:  events,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "clearing")),
		cfg:     cfg,
		active:  make(map[string]*window),
		cleared: make(map[string]*clearedWindow),
		halted:  make(map[string]string),
		baseCtx: ctx,
		stop:    cancel,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Recover rebuilds in-memory state from the store: Active windows get their open orders
// back in arrival order, Cleared windows resume waiting for settlement.
func (c *Coordinator) Recover(ctx context.Context) error {
	maxSeq, err := c.store.MaxOrderSeq(ctx)
	if err != nil {
		return fmt.Errorf("load order sequence: %w", err)
	}
	c.orderSeq.Store(maxSeq)

	active, err := c.store.LoadWindowsByStatus(ctx, domain.WindowStatusActive)
	if err != nil {
		return fmt.Errorf("load active windows: %w", err)
	}
	for _, w := range active {
		if w.HaltReason != "" {
			c.mu.Lock()
			c.halted[w.ID] = w.HaltReason
			c.mu.Unlock()
			c.logger.Error("Window halted before restart, not resuming", slog.String("window", w.ID), slog.String("reason", w.HaltReason))
			continue
		}
		orders, err := c.store.LoadOrders(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("load orders of %s: %w", w.ID, err)
		}
		if _, err := c.start(w, orders); err != nil {
			return err
		}
		c.logger.Info("Window recovered", slog.String("window", w.ID), slog.Int("orders", len(orders)))
	}

	cleared, err := c.store.LoadWindowsByStatus(ctx, domain.WindowStatusCleared)
	if err != nil {
		return fmt.Errorf("load cleared windows: %w", err)
	}
	for _, w := range cleared {
		// Orders still open under a Cleared window lost their disposition to a failed write.
		orders, err := c.store.LoadOrders(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("load orders of %s: %w", w.ID, err)
		}
		c.mu.Lock()
		c.cleared[w.ID] = &clearedWindow{w: w, unmatched: orders}
		c.mu.Unlock()
	}
	return nil
}

// Run applies scheduler signals and watches cleared windows until ctx ends.
func (c *Coordinator) Run(ctx context.Context, signals <-chan scheduler.Signal) {
	defer c.Stop()

	ticker := time.NewTicker(c.cfg.SettleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if err := c.Handle(ctx, sig); err != nil {
				c.logger.Error("Window signal failed",
					slog.String("kind", sig.Kind.String()),
					slog.String("window", sig.WindowID),
					slog.Any("error", err))
			}
		case <-ticker.C:
			c.CheckSettled(ctx)
		}
	}
}

// Handle applies one scheduler signal. Opening a window also closes any Active window
// that ended at or before the new one starts, so a missed close signal is caught up.
func (c *Coordinator) Handle(ctx context.Context, sig scheduler.Signal) error {
	switch sig.Kind {
	case scheduler.Open:
		if err := c.Open(ctx, sig.WindowID, sig.Start, sig.End); err != nil {
			return err
		}
		for _, id := range c.overdue(sig.Start, sig.WindowID) {
			if err := c.Close(ctx, id); err != nil {
				c.logger.Error("Overdue window close failed", slog.String("window", id), slog.Any("error", err))
			}
		}
		return nil
	case scheduler.Close:
		if c.alreadyClosed(ctx, sig.WindowID) {
			c.logger.Debug("Window already closed", slog.String("window", sig.WindowID))
			return nil
		}
		return c.Close(ctx, sig.WindowID)
	default:
		return fmt.Errorf("unknown signal kind %d", sig.Kind)
	}
}

// alreadyClosed reports whether a window was closed before, as after an Open signal
// closed it as overdue. A closed window whose Cleared write is still pending counts.
func (c *Coordinator) alreadyClosed(ctx context.Context, id string) bool {
	c.mu.RLock()
	_, running := c.active[id]
	_, closing := c.cleared[id]
	c.mu.RUnlock()
	if running {
		return false
	}
	if closing {
		return true
	}
	w, err := c.store.LoadWindow(ctx, id)
	if err != nil {
		return false
	}
	return w.Status == domain.WindowStatusCleared || w.Status == domain.WindowStatusSettled
}

func (c *Coordinator) overdue(at time.Time, except string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, rt := range c.active {
		if id != except && !rt.w.EndsAt.After(at) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Open creates a window and starts matching it. Opening an already Active window is a no-op.
func (c *Coordinator) Open(ctx context.Context, id string, start, end time.Time) error {
	c.mu.RLock()
	_, running := c.active[id]
	c.mu.RUnlock()
	if running {
		return nil
	}

	w, err := c.store.LoadWindow(ctx, id)
	switch {
	case errors.Is(err, domain.ErrUnknownWindow):
		now := c.now()
		w = &domain.Window{ID: id, StartsAt: start, EndsAt: end, Status: domain.WindowStatusPending, CreatedAt: now, UpdatedAt: now}
	case err != nil:
		return err
	case w.Status != domain.WindowStatusPending:
		return fmt.Errorf("%w: window %s is %s", domain.ErrWindowClosed, id, w.Status)
	}

	if err := c.transition(ctx, w, domain.WindowStatusActive); err != nil {
		return err
	}
	if _, err := c.start(w, nil); err != nil {
		return err
	}
	c.logger.Info("Window opened", slog.String("window", id), slog.Time("ends_at", end))
	return nil
}

func (c *Coordinator) start(w *domain.Window, orders []*domain.Order) (*window, error) {
	id := w.ID
	seq := engine.NewSequencer(id, c.store, engine.SequencerConfig{
		Interval: c.cfg.MatchInterval,
		Policy:   engine.Policy{SelfTradePrevention: c.cfg.SelfTradePrevention},
		DumpDir:  c.cfg.DumpDir,
		Logger:   c.logger,
		Metrics:  c.metrics,
		OnPass:   c.onPass,
		OnHalt:   func(err error) { c.onHalt(id, err) },
	})
	if err := seq.Restore(orders); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	rt := &window{w: w, seq: seq, cancel: cancel}
	c.mu.Lock()
	c.active[id] = rt
	c.mu.Unlock()

	go seq.Run(ctx)
	return rt, nil
}

func (c *Coordinator) onPass(res *engine.PassResult) {
	if c.events == nil {
		return
	}
	for _, t := range res.Trades {
		c.events.Publish(event.NewTradeExecuted(t))
	}
}

// onHalt records the halt on the window. It runs on the halted window's sequencer goroutine.
func (c *Coordinator) onHalt(id string, cause error) {
	c.mu.RLock()
	rt, ok := c.active[id]
	var w domain.Window
	if ok {
		w = *rt.w
	}
	c.mu.RUnlock()
	if !ok {
		return
	}

	w.HaltReason = cause.Error()
	w.UpdatedAt = c.now()
	if err := c.store.SaveWindow(context.Background(), &w); err != nil {
		c.logger.Error("Failed to persist window halt", slog.String("window", id), slog.Any("error", err))
	}
	c.mu.Lock()
	rt.w = &w
	c.mu.Unlock()
	c.publishWindow(&w, w.Status)
}

// Close runs the final pass of an Active window, marks it Cleared, disposes of its
// unmatched orders and hands its trades to settlement.
func (c *Coordinator) Close(ctx context.Context, id string) error {
	c.mu.RLock()
	rt, ok := c.active[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not active", domain.ErrUnknownWindow, id)
	}

	res, err := rt.seq.Close(ctx)
	if err != nil {
		// A halted window keeps its book for inspection; it cannot clear.
		return fmt.Errorf("close window %s: %w", id, err)
	}

	// From here the book is drained: the window and its unmatched orders live on in
	// cw until every step below has been recorded.
	c.mu.Lock()
	delete(c.active, id)
	w := *rt.w
	cw := &clearedWindow{w: &w, unmatched: res.Unmatched}
	c.cleared[id] = cw
	c.mu.Unlock()
	rt.cancel()

	c.logger.Info("Window closed",
		slog.String("window", id),
		slog.Int("final_trades", len(res.Final.Trades)),
		slog.Int("unmatched", len(res.Unmatched)))

	return c.finish(ctx, cw)
}

// finish completes whatever is left of a window's clearing: the Cleared transition, the
// disposition of unmatched orders and the hand-off to settlement.
func (c *Coordinator) finish(ctx context.Context, cw *clearedWindow) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.w.Status == domain.WindowStatusActive {
		if err := c.transition(ctx, cw.w, domain.WindowStatusCleared); err != nil {
			return err
		}
	}

	var failed []*domain.Order
	for _, o := range cw.unmatched {
		if err := c.dispose(ctx, cw.w, o); err != nil {
			c.logger.Error("Order disposition failed", slog.String("order", o.ID), slog.Any("error", err))
			failed = append(failed, o)
		}
	}
	cw.unmatched = failed

	if !cw.handedOff {
		if err := c.handOff(ctx, cw); err != nil {
			return err
		}
		cw.handedOff = true
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d unmatched orders of %s without disposition", len(failed), cw.w.ID)
	}
	return nil
}

// dispose applies the expiry policy to one unmatched order. Rolling forward falls back to
// expiry when no later window can take the order.
func (c *Coordinator) dispose(ctx context.Context, from *domain.Window, o *domain.Order) error {
	if c.cfg.ExpiryPolicy == infra.ExpiryPolicyRollForward {
		if target := c.rollTarget(from); target != nil {
			rolled := *o
			rolled.WindowID = target.w.ID
			rolled.RolledFrom = from.ID
			rolled.UpdatedAt = c.now()
			err := target.seq.Submit(ctx, &rolled)
			if err == nil {
				c.metrics.RecordDisposition("rolled")
				c.logger.Debug("Order rolled forward", slog.String("order", o.ID), slog.String("to", target.w.ID))
				return nil
			}
			c.logger.Warn("Roll forward failed, expiring", slog.String("order", o.ID), slog.Any("error", err))
		}
	}

	expired := *o
	expired.Status = domain.OrderStatusExpired
	expired.UpdatedAt = c.now()
	if err := c.store.SaveOrder(ctx, &expired); err != nil {
		return fmt.Errorf("persist expiry of %s: %w", o.ID, err)
	}
	*o = expired
	c.metrics.RecordDisposition("expired")
	return nil
}

// rollTarget picks the earliest Active, unhalted window starting after from.
func (c *Coordinator) rollTarget(from *domain.Window) *window {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *window
	for _, rt := range c.active {
		if !rt.w.AcceptsOrders() || !rt.w.StartsAt.After(from.StartsAt) || rt.seq.Halted() != nil {
			continue
		}
		if best == nil || rt.w.StartsAt.Before(best.w.StartsAt) {
			best = rt
		}
	}
	return best
}

func (c *Coordinator) handOff(ctx context.Context, cw *clearedWindow) error {
	trades, err := c.store.LoadTradeMatches(ctx, cw.w.ID)
	if err != nil {
		return fmt.Errorf("load trades of %s: %w", cw.w.ID, err)
	}
	if _, err := c.settler.Submit(ctx, trades); err != nil {
		return fmt.Errorf("hand off %d trades of %s: %w", len(trades), cw.w.ID, err)
	}
	return nil
}

// CheckSettled retries unfinished clearing steps and moves Cleared windows whose
// settlements are all terminal to Settled.
func (c *Coordinator) CheckSettled(ctx context.Context) {
	c.mu.RLock()
	pending := make([]*clearedWindow, 0, len(c.cleared))
	for _, cw := range c.cleared {
		pending = append(pending, cw)
	}
	c.mu.RUnlock()

	for _, cw := range pending {
		if err := c.finish(ctx, cw); err != nil {
			c.logger.Warn("Window clearing incomplete", slog.String("window", cw.w.ID), slog.Any("error", err))
			continue
		}

		cw.mu.Lock()
		id := cw.w.ID
		open, err := c.store.CountOpenSettlements(ctx, id)
		if err != nil {
			cw.mu.Unlock()
			c.logger.Warn("Settlement count failed", slog.String("window", id), slog.Any("error", err))
			continue
		}
		if open > 0 {
			cw.mu.Unlock()
			continue
		}
		err = c.transition(ctx, cw.w, domain.WindowStatusSettled)
		cw.mu.Unlock()
		if err != nil {
			c.logger.Error("Window settle failed", slog.String("window", id), slog.Any("error", err))
			continue
		}

		c.mu.Lock()
		delete(c.cleared, id)
		c.mu.Unlock()
		c.logger.Info("Window settled", slog.String("window", id))
	}
}

// transition persists a window status change and announces it.
func (c *Coordinator) transition(ctx context.Context, w *domain.Window, to domain.WindowStatus) error {
	from := w.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: window %s cannot go from %s to %s", domain.ErrInvalidState, w.ID, from, to)
	}
	now := c.now()
	w.Status = to
	w.UpdatedAt = now
	switch to {
	case domain.WindowStatusCleared:
		w.ClearedAt = &now
	case domain.WindowStatusSettled:
		w.SettledAt = &now
	}
	if err := c.store.SaveWindow(ctx, w); err != nil {
		w.Status = from
		return fmt.Errorf("save window %s: %w", w.ID, err)
	}
	c.metrics.RecordWindow(string(to))
	c.publishWindow(w, from)
	return nil
}

func (c *Coordinator) publishWindow(w *domain.Window, from domain.WindowStatus) {
	if c.events == nil {
		return
	}
	c.events.Publish(event.NewWindowStatusChanged(w, from, w.UpdatedAt))
}

// SubmitOrder validates a limit order and places it in its window's book.
func (c *Coordinator) SubmitOrder(ctx context.Context, side domain.Side, quantity, price decimal.Decimal, ownerID, windowID string) (string, error) {
	id, err := c.submitOrder(ctx, side, quantity, price, ownerID, windowID)
	if err != nil {
		c.metrics.RecordOrder("rejected")
		return "", err
	}
	c.metrics.RecordOrder("accepted")
	return id, nil
}

func (c *Coordinator) submitOrder(ctx context.Context, side domain.Side, quantity, price decimal.Decimal, ownerID, windowID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", &domain.ValidationError{Field: "owner_id", Reason: "required"}
	}
	if !side.Valid() {
		return "", &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", side)}
	}
	if !quantity.IsPositive() {
		return "", &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if !price.IsPositive() {
		return "", &domain.ValidationError{Field: "price", Reason: "must be positive"}
	}
	if !quantity.Equal(quantity.Truncate(c.cfg.QuantityDecimals)) {
		return "", &domain.ValidationError{Field: "quantity", Reason: fmt.Sprintf("more than %d decimal places", c.cfg.QuantityDecimals)}
	}
	if !price.Equal(price.Truncate(c.cfg.PriceDecimals)) {
		return "", &domain.ValidationError{Field: "price", Reason: fmt.Sprintf("more than %d decimal places", c.cfg.PriceDecimals)}
	}

	rt, err := c.lookup(ctx, windowID)
	if err != nil {
		return "", err
	}

	now := c.now()
	o := &domain.Order{
		ID:        c.newID(),
		WindowID:  windowID,
		OwnerID:   ownerID,
		Side:      side,
		Kind:      domain.OrderKindLimit,
		Quantity:  quantity,
		Remaining: quantity,
		Price:     price,
		Status:    domain.OrderStatusPending,
		Seq:       c.orderSeq.Add(1),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rt.seq.Submit(ctx, o); err != nil {
		if errors.Is(err, domain.ErrWindowClosed) {
			return "", &domain.ValidationError{Field: "window_id", Err: err}
		}
		return "", err
	}
	return o.ID, nil
}

// lookup finds the sequencer of an order-accepting window.
func (c *Coordinator) lookup(ctx context.Context, windowID string) (*window, error) {
	c.mu.RLock()
	rt, ok := c.active[windowID]
	reason, halted := c.halted[windowID]
	c.mu.RUnlock()
	if ok {
		return rt, nil
	}
	if halted {
		return nil, fmt.Errorf("%w: %s", domain.ErrWindowHalted, reason)
	}

	if _, err := c.store.LoadWindow(ctx, windowID); err != nil {
		if errors.Is(err, domain.ErrUnknownWindow) {
			return nil, &domain.ValidationError{Field: "window_id", Err: err}
		}
		return nil, err
	}
	return nil, &domain.ValidationError{Field: "window_id", Err: fmt.Errorf("%w: %s", domain.ErrWindowClosed, windowID)}
}

// CancelOrder removes a resting order from its window's book.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := c.store.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrOrderTerminal, orderID, o.Status)
	}

	c.mu.RLock()
	rt, ok := c.active[o.WindowID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWindowClosed, o.WindowID)
	}

	cancelled, err := rt.seq.Cancel(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		// Filled or rolled between the load and the cancel.
		if cur, lerr := c.store.LoadOrder(ctx, orderID); lerr == nil && cur.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", domain.ErrOrderTerminal, orderID, cur.Status)
		}
	}
	return cancelled, err
}

// Depth returns a window's book copy, up to levels per side.
func (c *Coordinator) Depth(windowID string, levels int) (engine.Depth, error) {
	c.mu.RLock()
	rt, ok := c.active[windowID]
	c.mu.RUnlock()
	if !ok {
		return engine.Depth{}, fmt.Errorf("%w: %s is not active", domain.ErrUnknownWindow, windowID)
	}
	return rt.seq.Depth(levels), nil
}

// MatchNow runs a matching pass on a window without waiting for the next tick.
func (c *Coordinator) MatchNow(ctx context.Context, windowID string) (*engine.PassResult, error) {
	c.mu.RLock()
	rt, ok := c.active[windowID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not active", domain.ErrUnknownWindow, windowID)
	}
	return rt.seq.MatchNow(ctx)
}

// Window returns the durable record of a window.
func (c *Coordinator) Window(ctx context.Context, id string) (*domain.Window, error) {
	return c.store.LoadWindow(ctx, id)
}

// ActiveWindows lists the ids of windows currently matching, oldest first.
func (c *Coordinator) ActiveWindows() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rts := make([]*window, 0, len(c.active))
	for _, rt := range c.active {
		rts = append(rts, rt)
	}
	sort.Slice(rts, func(i, j int) bool { return rts[i].w.StartsAt.Before(rts[j].w.StartsAt) })
	ids := make([]string, len(rts))
	for i, rt := range rts {
		ids[i] = rt.w.ID
	}
	return ids
}

// Stop halts every sequencer and waits for them to exit. Open windows stay Active in the
// store and are picked up by Recover on the next start.
func (c *Coordinator) Stop() {
	c.stop()
	c.mu.RLock()
	rts := make([]*window, 0, len(c.active))
	for _, rt := range c.active {
		rts = append(rts, rt)
	}
	c.mu.RUnlock()
	for _, rt := range rts {
		<-rt.seq.Done()
	}
}
