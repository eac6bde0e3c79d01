package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexflow/dexflow/internal/metrics"
	"github.com/dexflow/dexflow/internal/models"
	"github.com/dexflow/dexflow/internal/store"
)

var defaultSlippage = decimal.NewFromFloat(0.01)

type executeRequest struct {
	OrderType string           `json:"orderType"`
	TokenIn   string           `json:"tokenIn"`
	TokenOut  string           `json:"tokenOut"`
	AmountIn  *decimal.Decimal `json:"amountIn"`
	Slippage  *decimal.Decimal `json:"slippage"`
}

// handleExecute validates a submission, persists it as pending and hands it
// to the queue. DEX-side outcomes are never reported here — only on the
// stream.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	if req.TokenIn == "" || req.TokenOut == "" || req.AmountIn == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokenIn, tokenOut and amountIn are required"})
		return
	}
	if req.OrderType != string(models.OrderTypeMarket) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only market orders are supported in this implementation"})
		return
	}
	if !req.AmountIn.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amountIn must be positive"})
		return
	}

	slippage := defaultSlippage
	if req.Slippage != nil {
		slippage = *req.Slippage
	}
	if slippage.IsNegative() || slippage.GreaterThan(decimal.NewFromInt(1)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slippage must be between 0 and 1"})
		return
	}

	now := s.now()
	order := models.Order{
		OrderID:   uuid.NewString(),
		OrderType: models.OrderTypeMarket,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  *req.AmountIn,
		Slippage:  slippage,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := c.Request.Context()
	if err := s.store.Save(ctx, &order); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order id collision"})
			return
		}
		log.Error().Err(err).Msg("failed to persist order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist order"})
		return
	}

	if err := s.jobs.Enqueue(ctx, order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to enqueue order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue order for execution"})
		return
	}

	metrics.OrdersSubmitted.Inc()
	log.Info().
		Str("order_id", order.OrderID).
		Str("token_in", order.TokenIn).
		Str("token_out", order.TokenOut).
		Str("amount_in", order.AmountIn.String()).
		Msg("📨 Order accepted")

	c.JSON(http.StatusCreated, gin.H{
		"orderId":      order.OrderID,
		"message":      "Order accepted for execution",
		"websocketUrl": fmt.Sprintf("/api/orders/%s/stream", order.OrderID),
		"instructions": "Connect to the websocketUrl to stream order status updates in real time",
	})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.store.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		log.Error().Err(err).Msg("failed to load order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": s.now().Format(time.RFC3339),
		"queue": gin.H{
			"active_connections": s.registry.Count(),
		},
	})
}
