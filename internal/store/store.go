// Package store persists orders in Postgres via gorm.
//
// Workers are the only writers for an order after intake, so per-order
// serialization falls out of the primary-key conditional UPDATE — two
// different order ids can still be written in parallel.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dexflow/dexflow/internal/models"
)

// ErrConflict is returned by Save when the order id already exists.
var ErrConflict = errors.New("order already exists")

const maxOpenConns = 20

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New opens a Postgres-backed store and migrates the orders table.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	log.Info().Msg("💾 Order store connected")
	return s, nil
}

// NewWithDB wraps an already-open gorm handle. Used by tests to run the
// store against in-memory SQLite.
func NewWithDB(db *gorm.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(&models.Order{})
}

// Save inserts a new order. A duplicate order id yields ErrConflict;
// constraint violations are not transient and must not be retried.
func (s *Store) Save(ctx context.Context, order *models.Order) error {
	err := s.db.WithContext(ctx).Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// Get returns the order or nil when the id is unknown.
func (s *Store) Get(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).First(&order, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Patch carries a partial update. Nil fields are left untouched.
type Patch struct {
	Status        *models.OrderStatus
	DexUsed       *models.DEX
	ExecutedPrice *decimal.Decimal
	AmountOut     *decimal.Decimal
	TxHash        *string
	Error         *string
}

// Update applies a patch to one order and refreshes updated_at. An unknown
// id is a silent no-op so a late write after a forced clean cannot crash
// the worker that issued it.
func (s *Store) Update(ctx context.Context, orderID string, patch Patch) error {
	values := map[string]any{"updated_at": s.now()}
	if patch.Status != nil {
		values["status"] = *patch.Status
	}
	if patch.DexUsed != nil {
		values["dex_used"] = *patch.DexUsed
	}
	if patch.ExecutedPrice != nil {
		values["executed_price"] = *patch.ExecutedPrice
	}
	if patch.AmountOut != nil {
		values["amount_out"] = *patch.AmountOut
	}
	if patch.TxHash != nil {
		values["tx_hash"] = *patch.TxHash
	}
	if patch.Error != nil {
		values["error"] = *patch.Error
	}

	return s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("order_id = ?", orderID).
		Updates(values).Error
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
