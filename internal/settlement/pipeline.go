package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"energy_market/internal/domain"
	"energy_market/internal/event"
	"energy_market/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config tunes the settlement pipeline.
type Config struct {
	FeeRate         decimal.Decimal
	FeeDecimals     int32
	MaxAttempts     int
	SubmitInterval  time.Duration
	SubmitTimeout   time.Duration // bound on one ledger send
	ConfirmInterval time.Duration // delay between confirmation polls
	ConfirmMaxPolls int           // polls per attempt before a confirmation timeout
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	Accounts        Accounts
	Signers         []string
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SubmitInterval <= 0 {
		c.SubmitInterval = time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 2 * time.Second
	}
	if c.ConfirmMaxPolls <= 0 {
		c.ConfirmMaxPolls = 30
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
}

// Pipeline drives settlements from Pending to Confirmed or Failed.
//
// All state lives in the durable store: the submission and confirmation workers read
// records, act, and write them back, so a restart resumes where the last write left off.
// A record with a transaction reference is never re-sent.
type Pipeline struct {
	store   domain.SettlementStore
	ledger  domain.Ledger
	cfg     Config
	logger  *slog.Logger
	metrics *infra.Metrics
	events  event.Publisher

	// mu serializes read-modify-write of a record between the workers and MarkFailed.
	mu sync.Mutex

	now   func() time.Time
	newID func() string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }
func WithMetrics(m *infra.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }
func WithEvents(pub event.Publisher) Option { return func(p *Pipeline) { p.events = pub } }
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }
func WithIDGenerator(next func() string) Option { return func(p *Pipeline) { p.newID = next } }

// NewPipeline creates a pipeline over a store and a ledger.
func NewPipeline(store domain.SettlementStore, ledger domain.Ledger, cfg Config, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "settlement"))
	return p
}

// Submit creates a Pending settlement for each trade. A trade that already has a
// settlement keeps it; the existing record is returned in its place.
func (p *Pipeline) Submit(ctx context.Context, trades []*domain.TradeMatch) ([]*domain.Settlement, error) {
	out := make([]*domain.Settlement, 0, len(trades))
	for _, t := range trades {
		s, _, err := p.SubmitTrade(ctx, t)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SubmitTrade creates the settlement of one trade; created is false when it already existed.
func (p *Pipeline) SubmitTrade(ctx context.Context, t *domain.TradeMatch) (*domain.Settlement, bool, error) {
	amt := ComputeAmounts(t, p.cfg.FeeRate, p.cfg.FeeDecimals)
	now := p.now()
	s := &domain.Settlement{
		ID:            p.newID(),
		TradeID:       t.ID,
		WindowID:      t.WindowID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		Quantity:      t.Quantity,
		Price:         t.Price,
		Gross:         amt.Gross,
		Fee:           amt.Fee,
		SellerNet:     amt.SellerNet,
		Status:        domain.SettlementStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := p.store.CreateSettlement(ctx, s)
	if err != nil {
		return nil, false, fmt.Errorf("create settlement for trade %s: %w", t.ID, err)
	}
	if !created {
		existing, err := p.store.LoadSettlementByTrade(ctx, t.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	p.metrics.RecordSettlement(string(s.Status))
	p.publish(s, "")
	return s, true, nil
}

// Run starts the submission and confirmation workers and blocks until ctx ends.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("Settlement pipeline started",
		slog.Int("max_attempts", p.cfg.MaxAttempts),
		slog.Duration("confirm_interval", p.cfg.ConfirmInterval),
		slog.Int("confirm_max_polls", p.cfg.ConfirmMaxPolls),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.loop(ctx, "submission", p.cfg.SubmitInterval, p.SubmitDue)
	}()
	go func() {
		defer wg.Done()
		p.loop(ctx, "confirmation", p.cfg.ConfirmInterval, p.PollSubmitted)
	}()
	wg.Wait()
	p.logger.Info("Settlement pipeline stopped")
}

func (p *Pipeline) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.safeTick(ctx, name, tick)
		}
	}
}

func (p *Pipeline) safeTick(ctx context.Context, name string, tick func(context.Context) (int, error)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Settlement worker panic recovered", slog.String("worker", name), slog.Any("panic", r))
		}
	}()
	if _, err := tick(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("Settlement worker tick failed", slog.String("worker", name), slog.Any("error", err))
	}
}

// SubmitDue sends every Pending settlement whose retry delay has elapsed and returns how
// many were dispatched.
func (p *Pipeline) SubmitDue(ctx context.Context) (int, error) {
	pending, err := p.store.LoadPendingSettlements(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending settlements: %w", err)
	}

	sent := 0
	now := p.now()
	for _, s := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if now.Before(s.NextAttemptAt) || s.ClaimExpiry > now.UnixNano() {
			continue
		}
		ok, err := p.submitOne(ctx, s.ID)
		if err != nil {
			p.logger.Error("Settlement submission failed", slog.String("settlement", s.ID), slog.Any("error", err))
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// submitOne performs one attempt. It reports false when the record was skipped.
func (p *Pipeline) submitOne(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	s, err := p.store.LoadSettlement(ctx, id)
	if err != nil {
		p.mu.Unlock()
		return false, err
	}
	// A recorded signature means a transaction exists; never send a second one.
	if s.Status != domain.SettlementStatusPending || s.TxRef != "" {
		p.mu.Unlock()
		return false, nil
	}
	if s.Attempts >= p.cfg.MaxAttempts {
		err := p.fail(ctx, s, domain.SettlementStatusPending, errors.New("attempt limit reached"))
		p.mu.Unlock()
		return false, err
	}
	// The claim outlives the send so a slow attempt is never duplicated by another worker;
	// if this worker dies the claim expires and the record is retried.
	now := p.now()
	claimed, err := p.store.ClaimSettlement(ctx, s.ID, s.Attempts, now, now.Add(2*p.cfg.SubmitTimeout))
	if err != nil || !claimed {
		p.mu.Unlock()
		return false, err
	}
	s.Attempts++
	s.ClaimExpiry = 0
	p.mu.Unlock()

	// The send runs to completion or its own timeout even if ctx is cancelled,
	// so shutdown cannot leave an attempt in an ambiguous half-sent state.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SubmitTimeout)
	ref, sendErr := p.ledger.BuildAndSend(sendCtx, BuildInstructions(s, p.cfg.Accounts), p.cfg.Signers)
	cancel()
	p.recordLedger("send", sendErr)

	p.mu.Lock()
	defer p.mu.Unlock()

	storeCtx := context.WithoutCancel(ctx)
	latest, err := p.store.LoadSettlement(storeCtx, s.ID)
	if err != nil {
		return true, err
	}
	if latest.Status.IsTerminal() {
		// Marked failed while the send was in flight: keep it failed, remember the signature.
		if sendErr == nil {
			latest.TxRef = string(ref)
			latest.ClaimExpiry = 0
			latest.UpdatedAt = p.now()
			p.logger.Warn("Transaction sent for a settlement failed during flight",
				slog.String("settlement", latest.ID), slog.String("tx", string(ref)))
			return true, p.store.SaveSettlement(storeCtx, latest)
		}
		return true, nil
	}

	if sendErr != nil {
		p.logger.Warn("Ledger submission failed",
			slog.String("settlement", s.ID),
			slog.Int("attempt", s.Attempts),
			slog.Any("error", sendErr))
		return true, p.retryOrFail(storeCtx, s, domain.SettlementStatusPending, sendErr)
	}

	now = p.now()
	s.Status = domain.SettlementStatusSubmitted
	s.TxRef = string(ref)
	s.Polls = 0
	s.SubmittedAt = &now
	s.UpdatedAt = now
	if err := p.store.SaveSettlement(storeCtx, s); err != nil {
		return true, err
	}
	p.metrics.RecordSettlement(string(s.Status))
	p.publish(s, domain.SettlementStatusPending)
	p.logger.Info("Settlement submitted",
		slog.String("settlement", s.ID),
		slog.String("tx", s.TxRef),
		slog.Int("attempt", s.Attempts))
	return true, nil
}

// PollSubmitted checks every Submitted settlement once and returns how many reached a
// terminal status.
func (p *Pipeline) PollSubmitted(ctx context.Context) (int, error) {
	submitted, err := p.store.LoadSubmittedSettlements(ctx)
	if err != nil {
		return 0, fmt.Errorf("load submitted settlements: %w", err)
	}

	finished := 0
	for _, s := range submitted {
		if ctx.Err() != nil {
			return finished, ctx.Err()
		}
		done, err := p.pollOne(ctx, s)
		if err != nil {
			p.logger.Error("Settlement confirmation failed", slog.String("settlement", s.ID), slog.Any("error", err))
			continue
		}
		if done {
			finished++
		}
	}
	return finished, nil
}

func (p *Pipeline) pollOne(ctx context.Context, s *domain.Settlement) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmInterval)
	status, pollErr := p.ledger.GetConfirmationStatus(pollCtx, domain.TxRef(s.TxRef))
	cancel()
	p.recordLedger("status", pollErr)

	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.store.LoadSettlement(ctx, s.ID)
	if err != nil {
		return false, err
	}
	if cur.Status != domain.SettlementStatusSubmitted || cur.TxRef != s.TxRef {
		return false, nil
	}

	cur.Polls++
	cur.UpdatedAt = p.now()

	switch {
	case pollErr == nil && status == domain.ConfirmationConfirmed:
		now := p.now()
		cur.Status = domain.SettlementStatusConfirmed
		cur.FinalizedAt = &now
		if err := p.store.SaveSettlement(ctx, cur); err != nil {
			return false, err
		}
		p.metrics.RecordSettlement(string(cur.Status))
		p.publish(cur, domain.SettlementStatusSubmitted)
		p.logger.Info("Settlement confirmed",
			slog.String("settlement", cur.ID),
			slog.String("tx", cur.TxRef),
			slog.Int("attempts", cur.Attempts))
		return true, nil

	case pollErr == nil && status == domain.ConfirmationFailed:
		err := p.retryOrFail(ctx, cur, domain.SettlementStatusSubmitted,
			&domain.LedgerError{Code: 0, Message: "transaction " + cur.TxRef + " failed on ledger"})
		return cur.Status.IsTerminal(), err

	case cur.Polls >= p.cfg.ConfirmMaxPolls:
		cause := error(domain.ErrConfirmationTimeout)
		if pollErr != nil {
			cause = fmt.Errorf("%w (last poll: %v)", domain.ErrConfirmationTimeout, pollErr)
		}
		err := p.retryOrFail(ctx, cur, domain.SettlementStatusSubmitted, cause)
		return cur.Status.IsTerminal(), err

	default:
		if pollErr != nil {
			p.logger.Debug("Confirmation poll failed", slog.String("settlement", cur.ID), slog.Any("error", pollErr))
		}
		return false, p.store.SaveSettlement(ctx, cur)
	}
}

// retryOrFail records a failed attempt: back to Pending with a backoff delay, or Failed
// once the attempt ceiling is reached or the error marks itself as not retriable.
// Unclassified ledger errors are retried.
func (p *Pipeline) retryOrFail(ctx context.Context, s *domain.Settlement, from domain.SettlementStatus, cause error) error {
	if s.Attempts >= p.cfg.MaxAttempts || domain.IsFatal(cause) {
		return p.fail(ctx, s, from, cause)
	}

	now := p.now()
	s.Status = domain.SettlementStatusPending
	s.LastError = cause.Error()
	s.TxRef = ""
	s.Polls = 0
	s.NextAttemptAt = now.Add(infra.CalculateBackoff(s.Attempts-1, p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay))
	s.UpdatedAt = now
	if err := p.store.SaveSettlement(ctx, s); err != nil {
		return err
	}
	p.metrics.RecordSettlement("RETRY")
	if from != s.Status {
		p.publish(s, from)
	}
	return nil
}

// fail moves s to terminal Failed, keeping its attempt count and last error.
func (p *Pipeline) fail(ctx context.Context, s *domain.Settlement, from domain.SettlementStatus, cause error) error {
	now := p.now()
	s.Status = domain.SettlementStatusFailed
	s.LastError = cause.Error()
	s.TxRef = ""
	s.FinalizedAt = &now
	s.UpdatedAt = now
	if err := p.store.SaveSettlement(ctx, s); err != nil {
		return err
	}
	p.metrics.RecordSettlement(string(s.Status))
	p.publish(s, from)
	p.logger.Error("Settlement failed",
		slog.String("settlement", s.ID),
		slog.String("trade", s.TradeID),
		slog.Int("attempts", s.Attempts),
		slog.String("error", s.LastError))
	return nil
}

// MarkFailed stops automatic retries of a settlement. An in-flight ledger send is left
// to finish; its signature is recorded on the failed record.
func (p *Pipeline) MarkFailed(ctx context.Context, id, reason string) (*domain.Settlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.store.LoadSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrSettlementTerminal, id, s.Status)
	}

	from := s.Status
	now := p.now()
	s.Status = domain.SettlementStatusFailed
	s.LastError = "marked failed: " + reason
	s.FinalizedAt = &now
	s.UpdatedAt = now
	if err := p.store.SaveSettlement(ctx, s); err != nil {
		return nil, err
	}
	p.metrics.RecordSettlement(string(s.Status))
	p.publish(s, from)
	p.logger.Warn("Settlement marked failed", slog.String("settlement", id), slog.String("reason", reason))
	return s, nil
}

// Get returns a settlement by id.
func (p *Pipeline) Get(ctx context.Context, id string) (*domain.Settlement, error) {
	return p.store.LoadSettlement(ctx, id)
}

// ForTrade returns the settlement of a trade match.
func (p *Pipeline) ForTrade(ctx context.Context, tradeID string) (*domain.Settlement, error) {
	return p.store.LoadSettlementByTrade(ctx, tradeID)
}

func (p *Pipeline) publish(s *domain.Settlement, from domain.SettlementStatus) {
	if p.events == nil {
		return
	}
	p.events.Publish(event.NewSettlementStatusChanged(s, from, s.UpdatedAt))
}

func (p *Pipeline) recordLedger(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metrics.RecordLedgerCall(op, result)
}
