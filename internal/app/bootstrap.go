package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"energy_market/internal/clearing"
	"energy_market/internal/domain"
	"energy_market/internal/event"
	"energy_market/internal/infra"
	"energy_market/internal/infra/kafka"
	"energy_market/internal/infra/ledger"
	"energy_market/internal/infra/storage"
	"energy_market/internal/scheduler"
	"energy_market/internal/settlement"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config      *infra.Config
	Logger      *slog.Logger
	Metrics     *infra.Metrics
	Storage     *storage.Storage
	Ledger      domain.Ledger
	Bus         *event.Bus
	Pipeline    *settlement.Pipeline
	Coordinator *clearing.Coordinator
	Scheduler   *scheduler.Scheduler

	ledgerClient *ledger.Client
	producer     *kafka.Producer
	busStarted   bool
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize performs core system initialization (config, logger, DB, ledger, workers).
// Nothing runs until Run is called.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping Energy Market...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger & Metrics
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Metrics = infra.NewMetrics(nil)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Ledger: paper unless a node is configured
	if cfg.Ledger.URL == "" {
		b.Ledger = ledger.NewPaper(cfg.Ledger.PaperConfirmAt, false)
		slog.Warn("⚠️ No ledger URL configured, settling on the paper ledger")
	} else {
		client := ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.RequestTimeout(), b.Logger)
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		b.ledgerClient = client
		b.Ledger = client
		slog.Info("✅ Ledger client started", slog.String("url", cfg.Ledger.URL))
	}

	// 5. Event bus
	sinks := []event.Sink{event.LogSink{Logger: b.Logger}}
	if len(cfg.Events.KafkaBrokers) > 0 {
		b.producer = kafka.NewProducer(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		sinks = append(sinks, b.producer)
		slog.Info("✅ Kafka event sink ready", slog.String("topic", cfg.Events.KafkaTopic))
	}
	b.Bus = event.NewBus(cfg.Events.Buffer, b.Logger, b.Metrics, sinks...)

	// 6. Settlement pipeline
	var signers []string
	if cfg.Settlement.Signer != "" {
		signers = []string{cfg.Settlement.Signer}
	}
	b.Pipeline = settlement.NewPipeline(store, b.Ledger, settlement.Config{
		FeeRate:         cfg.Settlement.FeeRate,
		FeeDecimals:     cfg.Settlement.FeeDecimals,
		MaxAttempts:     cfg.Settlement.MaxAttempts,
		SubmitInterval:  cfg.Settlement.SubmitInterval(),
		SubmitTimeout:   cfg.Settlement.SubmitTimeout(),
		ConfirmInterval: cfg.Settlement.ConfirmInterval(),
		ConfirmMaxPolls: cfg.Settlement.ConfirmMaxPolls,
		RetryBaseDelay:  cfg.Settlement.RetryBaseDelay(),
		Accounts: settlement.Accounts{
			Platform: cfg.Settlement.PlatformAccount,
			Currency: cfg.Settlement.CurrencyAsset,
			Energy:   cfg.Settlement.EnergyAsset,
		},
		Signers: signers,
	},
		settlement.WithLogger(b.Logger),
		settlement.WithMetrics(b.Metrics),
		settlement.WithEvents(b.Bus),
	)

	// 7. Clearing coordinator, recovered from the store
	b.Coordinator = clearing.NewCoordinator(store, b.Pipeline, clearing.Config{
		MatchInterval:       cfg.Market.MatchInterval(),
		ExpiryPolicy:        cfg.Market.ExpiryPolicy,
		SelfTradePrevention: cfg.Market.SelfTradePrevention,
		PriceDecimals:       cfg.Market.PriceDecimals,
		QuantityDecimals:    cfg.Market.QuantityDecimals,
		SettleCheckInterval: cfg.Settlement.SettleCheckInterval(),
		DumpDir:             cfg.App.DumpDir,
	}, b.Bus, b.Metrics, b.Logger)
	if err := b.Coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("recover windows: %w", err)
	}
	slog.Info("✅ Clearing state recovered", slog.Any("active_windows", b.Coordinator.ActiveWindows()))

	if cfg.Scheduler.Enabled {
		b.Scheduler = scheduler.New(cfg.Scheduler.WindowLength(), b.Logger)
	}
	return nil
}

// Run starts every worker and blocks until ctx ends, then shuts down in dependency order:
// window signals and matching first, then settlement, then event delivery and connections.
func (b *Bootstrap) Run(ctx context.Context) {
	// The bus outlives ctx so that shutdown transitions are still delivered.
	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	b.busStarted = true
	go b.Bus.Run(busCtx)

	var wg sync.WaitGroup

	var signals <-chan scheduler.Signal
	if b.Scheduler != nil {
		signals = b.Scheduler.Signals()
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Scheduler.Run(ctx)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		b.Coordinator.Run(ctx, signals)
	}()
	go func() {
		defer wg.Done()
		b.Pipeline.Run(ctx)
	}()

	slog.InfoContext(ctx, "✨ Energy market fully operational. Press Ctrl+C to exit.")
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
	wg.Wait()
	b.Shutdown()
}

// Shutdown flushes events and releases connections. Safe to call after a failed Initialize.
func (b *Bootstrap) Shutdown() {
	if b.Bus != nil && b.busStarted {
		b.Bus.Close()
		select {
		case <-b.Bus.Done():
		case <-time.After(5 * time.Second):
			slog.Warn("Event bus did not drain in time")
		}
	}
	if b.producer != nil {
		if err := b.producer.Close(); err != nil {
			slog.Error("Failed to close kafka producer", slog.Any("error", err))
		}
	}
	if b.ledgerClient != nil {
		b.ledgerClient.Disconnect()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close database", slog.Any("error", err))
		}
	}
}
