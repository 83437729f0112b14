package interfaces

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockhold/internal/service/reservation/domain"
)

func readPush(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWatchStreamsSnapshotThenEvents(t *testing.T) {
	env := newTestServer(t)
	srv, m, hub := env.srv, env.m, env.hub

	_, err := m.Hold(context.Background(), "cart-ws", []domain.HoldItem{{ProductID: "sku-1", Quantity: 2}})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/carts/cart-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readPush(t, conn)
	assert.Equal(t, string(EventSnapshot), snap["type"])
	assert.Equal(t, "cart-ws", snap["cartId"])
	assert.NotNil(t, snap["expiresAt"])
	assert.Len(t, snap["items"], 1)
	assert.Contains(t, snap, "serverTime")

	require.Eventually(t, func() bool { return hub.Connections("cart-ws") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Release(context.Background(), "cart-ws"))
	ev := readPush(t, conn)
	assert.Equal(t, string(domain.EventReleased), ev["type"])
	assert.Equal(t, domain.ReasonExplicit, ev["reason"])
}

func TestHubDropsSlowClients(t *testing.T) {
	h := NewHub()
	c := &Client{hub: h, send: make(chan []byte, 1), cartID: "c"}
	h.register(c)

	ev := &domain.ReservationEvent{CartID: "c", Type: domain.EventExtended}
	require.NoError(t, h.Publish(context.Background(), ev))
	require.NoError(t, h.Publish(context.Background(), ev))

	assert.Equal(t, 0, h.Connections("c"))
	<-c.send
	_, open := <-c.send
	assert.False(t, open, "send channel is closed once the client is dropped")
}

func TestHubIgnoresOtherCarts(t *testing.T) {
	h := NewHub()
	c := &Client{hub: h, send: make(chan []byte, 1), cartID: "mine"}
	h.register(c)

	require.NoError(t, h.Publish(context.Background(), &domain.ReservationEvent{CartID: "theirs"}))
	assert.Len(t, c.send, 0)
}
