package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexflow/dexflow/internal/models"
	"github.com/dexflow/dexflow/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memStore struct {
	mu     sync.Mutex
	orders map[string]models.Order
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]models.Order)}
}

func (m *memStore) Save(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.OrderID] = *order
	return nil
}

func (m *memStore) Get(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

type memQueue struct {
	mu       sync.Mutex
	enqueued []models.Order
}

func (m *memQueue) Enqueue(_ context.Context, order models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, order)
	return nil
}

func (m *memQueue) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enqueued)
}

func newTestServer() (*Server, *memStore, *memQueue) {
	st := newMemStore()
	q := &memQueue{}
	s := NewServer(st, q, registry.New())
	return s, st, q
}

func postJSON(t *testing.T, router *gin.Engine, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func validSubmission() map[string]any {
	return map[string]any{
		"orderType": "market",
		"tokenIn":   "SOL",
		"tokenOut":  "USDC",
		"amountIn":  "1",
		"slippage":  "0.01",
	}
}

func TestExecuteAcceptsMarketOrder(t *testing.T) {
	s, st, q := newTestServer()
	router := s.Router([]string{"*"})

	w := postJSON(t, router, "/api/orders/execute", validSubmission())
	require.Equal(t, http.StatusCreated, w.Code)

	body := decodeBody(t, w)
	orderID, ok := body["orderId"].(string)
	require.True(t, ok)
	parsed, err := uuid.Parse(orderID)
	assert.NoError(t, err, "order id must be a v4 uuid")
	assert.Equal(t, uuid.Version(4), parsed.Version(), "order id must be a v4 uuid")
	assert.Equal(t, "/api/orders/"+orderID+"/stream", body["websocketUrl"])
	assert.NotEmpty(t, body["message"])
	assert.NotEmpty(t, body["instructions"])

	stored, err := st.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, "SOL", stored.TokenIn, "client-facing symbol is preserved")
	assert.Equal(t, 1, q.count())
}

func TestExecuteDefaultsSlippage(t *testing.T) {
	s, st, _ := newTestServer()
	router := s.Router([]string{"*"})

	body := validSubmission()
	delete(body, "slippage")
	w := postJSON(t, router, "/api/orders/execute", body)
	require.Equal(t, http.StatusCreated, w.Code)

	orderID := decodeBody(t, w)["orderId"].(string)
	stored, _ := st.Get(context.Background(), orderID)
	assert.True(t, stored.Slippage.Equal(decimal.NewFromFloat(0.01)))
}

func TestExecuteRejectsMissingFields(t *testing.T) {
	s, _, q := newTestServer()
	router := s.Router([]string{"*"})

	for _, field := range []string{"tokenIn", "tokenOut", "amountIn"} {
		body := validSubmission()
		delete(body, field)
		w := postJSON(t, router, "/api/orders/execute", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "missing %s", field)
	}
	assert.Equal(t, 0, q.count(), "rejected orders must not be enqueued")
}

func TestExecuteRejectsNonMarketOrders(t *testing.T) {
	s, _, q := newTestServer()
	router := s.Router([]string{"*"})

	for _, orderType := range []string{"limit", "sniper", "stop"} {
		body := validSubmission()
		body["orderType"] = orderType
		w := postJSON(t, router, "/api/orders/execute", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Only market orders are supported in this implementation",
			decodeBody(t, w)["error"])
	}
	assert.Equal(t, 0, q.count())
}

func TestExecuteRejectsNonPositiveAmount(t *testing.T) {
	s, _, _ := newTestServer()
	router := s.Router([]string{"*"})

	for _, amount := range []string{"0", "-1"} {
		body := validSubmission()
		body["amountIn"] = amount
		w := postJSON(t, router, "/api/orders/execute", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "amountIn=%s", amount)
	}
}

func TestExecuteRejectsOutOfRangeSlippage(t *testing.T) {
	s, _, _ := newTestServer()
	router := s.Router([]string{"*"})

	for _, slippage := range []string{"-0.1", "1.5"} {
		body := validSubmission()
		body["slippage"] = slippage
		w := postJSON(t, router, "/api/orders/execute", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "slippage=%s", slippage)
	}
}

func TestGetOrder(t *testing.T) {
	s, st, _ := newTestServer()
	router := s.Router([]string{"*"})

	order := models.Order{
		OrderID:   uuid.NewString(),
		OrderType: models.OrderTypeMarket,
		TokenIn:   "SOL",
		TokenOut:  "USDC",
		AmountIn:  decimal.NewFromInt(1),
		Slippage:  decimal.NewFromFloat(0.01),
		Status:    models.StatusRouting,
	}
	require.NoError(t, st.Save(context.Background(), &order))

	req := httptest.NewRequest(http.MethodGet, "/api/orders/"+order.OrderID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, order.OrderID, body["orderId"])
	assert.Equal(t, "routing", body["status"])
}

func TestGetOrderNotFound(t *testing.T) {
	s, _, _ := newTestServer()
	router := s.Router([]string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/"+uuid.NewString(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer()
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	router := s.Router([]string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2025-06-01T12:00:00Z", body["timestamp"])
	queue, ok := body["queue"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), queue["active_connections"])
}
