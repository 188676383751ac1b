package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"energy_market/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ domain.Store = (*Storage)(nil)

var openOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusActive,
	domain.OrderStatusPartiallyFilled,
}

var openSettlementStatuses = []domain.SettlementStatus{
	domain.SettlementStatusPending,
	domain.SettlementStatusSubmitted,
}

// Storage is the SQLite-backed record store for orders, trades, windows and settlements
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at dbPath. An empty path resolves to the
// per-user data directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		dbPath = p
	}

	// Ensure directory exists
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: newDBLogger(slog.Default()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer; serialize through one connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto Migration
	if err := db.AutoMigrate(&domain.Window{}, &domain.Order{}, &domain.TradeMatch{}, &domain.Settlement{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// slogWriter feeds gorm's logger into slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}

// newDBLogger reports slow queries and failed statements. Lookups of missing records are
// normal control flow here and stay quiet.
func newDBLogger(l *slog.Logger) logger.Interface {
	return logger.New(slogWriter{logger: l.With(slog.String("component", "db"))}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// DefaultDBPath resolves the database file path based on OS
func DefaultDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "EnergyMarket", "data", "market.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, sentinel error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}

// ======================================================================================
// Order Operations
// ======================================================================================

// SaveOrder creates or updates an order
func (s *Storage) SaveOrder(ctx context.Context, o *domain.Order) error {
	return s.db.WithContext(ctx).Save(o).Error
}

// LoadOrder retrieves an order by id
func (s *Storage) LoadOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrOrderNotFound, id)
	}
	return &o, nil
}

// LoadOrders returns the open orders of a window in arrival order
func (s *Storage) LoadOrders(ctx context.Context, windowID string) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.db.WithContext(ctx).
		Where("window_id = ? AND status IN ?", windowID, openOrderStatuses).
		Order("seq ASC").
		Find(&orders).Error
	return orders, err
}

// MaxOrderSeq returns the highest arrival sequence ever assigned, or 0.
func (s *Storage) MaxOrderSeq(ctx context.Context) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).Model(&domain.Order{}).Select("COALESCE(MAX(seq), 0)").Scan(&max).Error
	return max, err
}

// ======================================================================================
// Trade Operations
// ======================================================================================

// SaveTradeMatch inserts a trade. Trades are immutable.
func (s *Storage) SaveTradeMatch(ctx context.Context, t *domain.TradeMatch) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// LoadTradeMatches returns a window's trades in execution order
func (s *Storage) LoadTradeMatches(ctx context.Context, windowID string) ([]*domain.TradeMatch, error) {
	var trades []*domain.TradeMatch
	err := s.db.WithContext(ctx).
		Where("window_id = ?", windowID).
		Order("executed_at ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

// PersistPass writes a matching pass's trades and touched orders in one transaction.
func (s *Storage) PersistPass(ctx context.Context, trades []*domain.TradeMatch, orders []*domain.Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range trades {
			if err := tx.Create(t).Error; err != nil {
				return fmt.Errorf("insert trade %s: %w", t.ID, err)
			}
		}
		for _, o := range orders {
			if err := tx.Save(o).Error; err != nil {
				return fmt.Errorf("save order %s: %w", o.ID, err)
			}
		}
		return nil
	})
}

// ======================================================================================
// Window Operations
// ======================================================================================

// SaveWindow creates or updates a window
func (s *Storage) SaveWindow(ctx context.Context, w *domain.Window) error {
	return s.db.WithContext(ctx).Save(w).Error
}

// LoadWindow retrieves a window by id
func (s *Storage) LoadWindow(ctx context.Context, id string) (*domain.Window, error) {
	var w domain.Window
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrUnknownWindow, id)
	}
	return &w, nil
}

// LoadWindowsByStatus returns windows in a status, oldest first
func (s *Storage) LoadWindowsByStatus(ctx context.Context, status domain.WindowStatus) ([]*domain.Window, error) {
	var windows []*domain.Window
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("starts_at ASC").Find(&windows).Error
	return windows, err
}

// ======================================================================================
// Settlement Operations
// ======================================================================================

// CreateSettlement inserts a settlement unless its trade already has one.
func (s *Storage) CreateSettlement(ctx context.Context, st *domain.Settlement) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "trade_id"}}, DoNothing: true}).
		Create(st)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SaveSettlement updates a settlement
func (s *Storage) SaveSettlement(ctx context.Context, st *domain.Settlement) error {
	return s.db.WithContext(ctx).Save(st).Error
}

// LoadSettlement retrieves a settlement by id
func (s *Storage) LoadSettlement(ctx context.Context, id string) (*domain.Settlement, error) {
	var st domain.Settlement
	if err := s.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrSettlementNotFound, id)
	}
	return &st, nil
}

// LoadSettlementByTrade retrieves the settlement of a trade
func (s *Storage) LoadSettlementByTrade(ctx context.Context, tradeID string) (*domain.Settlement, error) {
	var st domain.Settlement
	if err := s.db.WithContext(ctx).First(&st, "trade_id = ?", tradeID).Error; err != nil {
		return nil, notFound(err, domain.ErrSettlementNotFound, "trade "+tradeID)
	}
	return &st, nil
}

// LoadPendingSettlements returns settlements awaiting submission, oldest first
func (s *Storage) LoadPendingSettlements(ctx context.Context) ([]*domain.Settlement, error) {
	return s.loadByStatus(ctx, domain.SettlementStatusPending)
}

// LoadSubmittedSettlements returns settlements awaiting confirmation, oldest first
func (s *Storage) LoadSubmittedSettlements(ctx context.Context) ([]*domain.Settlement, error) {
	return s.loadByStatus(ctx, domain.SettlementStatusSubmitted)
}

func (s *Storage) loadByStatus(ctx context.Context, status domain.SettlementStatus) ([]*domain.Settlement, error) {
	var list []*domain.Settlement
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC, id ASC").Find(&list).Error
	return list, err
}

// ClaimSettlement bumps attempts only if the row is still Pending at the expected count
// and unclaimed. Claims are compared as unix nanos.
func (s *Storage) ClaimSettlement(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Settlement{}).
		Where("id = ? AND status = ? AND attempts = ? AND claim_expiry <= ?",
			id, domain.SettlementStatusPending, attempts, now.UnixNano()).
		Updates(map[string]any{
			"attempts":     attempts + 1,
			"claim_expiry": leaseUntil.UnixNano(),
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountOpenSettlements counts a window's settlements not yet Confirmed or Failed
func (s *Storage) CountOpenSettlements(ctx context.Context, windowID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Settlement{}).
		Where("window_id = ? AND status IN ?", windowID, openSettlementStatuses).
		Count(&n).Error
	return n, err
}
