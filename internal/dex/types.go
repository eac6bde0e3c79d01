package dex

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dexflow/dexflow/internal/models"
)

// ErrNetworkCongestion is the simulated execution failure. It counts as one
// attempt; the retry policy decides whether the order survives it.
var ErrNetworkCongestion = errors.New("network congestion: transaction failed to confirm")

// Quote is an ephemeral price offer from one backend. Never persisted.
type Quote struct {
	DEX          models.DEX      `json:"dex"`
	Price        decimal.Decimal `json:"price"`
	AmountOut    decimal.Decimal `json:"amount_out"`
	Fee          decimal.Decimal `json:"fee"`
	EstimatedGas decimal.Decimal `json:"estimated_gas"`
}

// RouteResult is the routing decision with its transparency trace.
type RouteResult struct {
	SelectedDEX models.DEX `json:"selected_dex"`
	Quote       Quote      `json:"quote"`
	Reason      string     `json:"reason"`
}

// ExecutionResult is the outcome of a successful swap.
type ExecutionResult struct {
	TxHash        string          `json:"tx_hash"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	AmountOut     decimal.Decimal `json:"amount_out"`
}
