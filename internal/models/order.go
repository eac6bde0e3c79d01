// Package models defines the canonical order record shared by the store,
// the job queue and the API surface.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType identifies the execution style requested by the client.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"

	// Reserved for future strategies. Intake rejects them today.
	OrderTypeLimit  OrderType = "limit"
	OrderTypeSniper OrderType = "sniper"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRouting   OrderStatus = "routing"
	StatusBuilding  OrderStatus = "building"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransitionTo enforces the linear lifecycle graph:
//
//	pending → routing → building → submitted → confirmed
//	                                         ↘ failed
//
// failed is reachable from any non-terminal state.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusRouting
	case StatusRouting:
		return next == StatusBuilding
	case StatusBuilding:
		return next == StatusSubmitted
	case StatusSubmitted:
		return next == StatusConfirmed
	}
	return false
}

// DEX identifies a swap backend.
type DEX string

const (
	DEXRaydium DEX = "raydium"
	DEXMeteora DEX = "meteora"
)

// Order is the persisted order record. Monetary columns use decimal(20,8).
type Order struct {
	OrderID   string    `gorm:"column:order_id;primaryKey" json:"orderId"`
	OrderType OrderType `gorm:"column:order_type" json:"orderType"`

	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	AmountIn decimal.Decimal `gorm:"type:decimal(20,8)" json:"amountIn"`
	Slippage decimal.Decimal `gorm:"type:decimal(20,8)" json:"slippage"`

	Status OrderStatus `gorm:"index" json:"status"`

	// Set once at the building transition, immutable afterwards.
	DexUsed *DEX `gorm:"column:dex_used" json:"dexUsed,omitempty"`

	// Non-null iff status == confirmed.
	ExecutedPrice *decimal.Decimal `gorm:"type:decimal(20,8)" json:"executedPrice,omitempty"`
	AmountOut     *decimal.Decimal `gorm:"type:decimal(20,8)" json:"amountOut,omitempty"`
	TxHash        *string          `gorm:"column:tx_hash" json:"txHash,omitempty"`

	// Non-null iff status == failed. Carries attempt count and timestamp.
	Error *string `json:"error,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_orders_created_at,sort:desc" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Order) TableName() string { return "orders" }
