package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dexflow/dexflow/internal/metrics"
	"github.com/dexflow/dexflow/internal/models"
	"github.com/dexflow/dexflow/internal/registry"
)

// terminalCloseGrace is how long a late-connecting client gets to read the
// replayed terminal frame before the socket closes.
const terminalCloseGrace = time.Second

// handleStream upgrades to a duplex socket, binds it to the order in the
// registry and replays the current state so late connections are observable.
func (s *Server) handleStream(c *gin.Context) {
	orderID := c.Param("orderId")

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("order_id", orderID).Msg("stream upgrade failed")
		return
	}

	order, err := s.store.Get(c.Request.Context(), orderID)
	if err != nil || order == nil {
		// Protocol misuse: stream for an unknown order. One error frame,
		// then close; nothing registers, no worker is affected.
		frame := registry.Frame{
			OrderID:   orderID,
			Error:     "Order not found",
			Timestamp: s.now(),
		}
		ws.WriteJSON(frame)
		ws.Close()
		return
	}

	s.registry.Register(orderID, ws)
	metrics.WSConnections.Inc()
	defer func() {
		s.registry.Unregister(orderID)
		ws.Close()
		metrics.WSConnections.Dec()
	}()

	// The anchor frame: whatever status is persisted right now.
	s.registry.Notify(orderID, registry.Frame{
		Status:  string(order.Status),
		Message: "Connected to order stream",
	})

	// A terminal order gets its final state replayed and a scheduled close;
	// anything else keeps the socket open for worker publications.
	if order.Status.IsTerminal() {
		s.registry.Publish(orderID, string(order.Status), terminalData(order))
		s.registry.CloseAfter(orderID, terminalCloseGrace)
	}

	// Drain client frames until the socket dies. Clients do not speak to
	// the engine; reading is only how we observe the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// terminalData rebuilds the terminal publication payload from the persisted
// row.
func terminalData(order *models.Order) map[string]any {
	data := map[string]any{}
	switch order.Status {
	case models.StatusConfirmed:
		if order.TxHash != nil {
			data["tx_hash"] = *order.TxHash
		}
		if order.ExecutedPrice != nil {
			data["executed_price"] = *order.ExecutedPrice
		}
		if order.AmountOut != nil {
			data["amount_out"] = *order.AmountOut
		}
		if order.DexUsed != nil {
			data["dex_used"] = *order.DexUsed
		}
	case models.StatusFailed:
		if order.Error != nil {
			data["error"] = *order.Error
		}
	}
	return data
}
