package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// dialPair upgrades a loopback connection and hands the server side to the
// registry under the given order id. Returns the client side.
func dialPair(t *testing.T, r *Registry, orderID string) *websocket.Conn {
	t.Helper()

	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		require.NoError(t, err)
		r.Register(orderID, ws)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("server never registered the stream")
	}
	return client
}

func readFrame(t *testing.T, client *websocket.Conn) Frame {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestPublishDeliversOrderedFrames(t *testing.T) {
	r := New()
	client := dialPair(t, r, "order-1")

	r.Publish("order-1", "routing", nil)
	r.Publish("order-1", "building", map[string]any{"dex_used": "raydium"})

	first := readFrame(t, client)
	assert.Equal(t, "order-1", first.OrderID)
	assert.Equal(t, "routing", first.Status)
	assert.False(t, first.Timestamp.IsZero())

	second := readFrame(t, client)
	assert.Equal(t, "building", second.Status)
	assert.Equal(t, "raydium", second.Data["dex_used"])
}

func TestPublishWithoutSocketIsSilentNoOp(t *testing.T) {
	r := New()

	assert.NotPanics(t, func() {
		r.Publish("ghost", "confirmed", map[string]any{"tx_hash": "mock_tx_0_000000"})
	})
	assert.Equal(t, 0, r.Count())
}

func TestCloseRemovesAndClosesSocket(t *testing.T) {
	r := New()
	client := dialPair(t, r, "order-2")

	r.Close("order-2")
	assert.Equal(t, 0, r.Count())

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	assert.Error(t, err, "client must observe the close")
}

func TestCloseAfterGrace(t *testing.T) {
	r := New()
	dialPair(t, r, "order-3")

	r.CloseAfter("order-3", 50*time.Millisecond)
	assert.Equal(t, 1, r.Count(), "socket stays up through the grace period")

	assert.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestReplacingRegistrationClosesPrevious(t *testing.T) {
	r := New()
	first := dialPair(t, r, "order-4")
	second := dialPair(t, r, "order-4")

	assert.Equal(t, 1, r.Count())

	r.Publish("order-4", "submitted", nil)
	frame := readFrame(t, second)
	assert.Equal(t, "submitted", frame.Status)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "replaced socket must be closed")
}

func TestNotifyCarriesMessageAndError(t *testing.T) {
	r := New()
	client := dialPair(t, r, "order-5")

	r.Notify("order-5", Frame{Status: "pending", Message: "Connected to order stream"})
	frame := readFrame(t, client)
	assert.Equal(t, "order-5", frame.OrderID)
	assert.Equal(t, "Connected to order stream", frame.Message)
	assert.False(t, frame.Timestamp.IsZero())

	r.Notify("order-5", Frame{Error: "Order not found"})
	errFrame := readFrame(t, client)
	assert.Equal(t, "order-5", errFrame.OrderID)
	assert.Equal(t, "Order not found", errFrame.Error)
}
