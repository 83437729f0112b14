package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// EventSnapshot 是连接建立时推送的当前状态，不会出现在 Kafka 事件流中。
const EventSnapshot domain.EventType = "SNAPSHOT"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
		return true
	},
}

// pushMessage 是推送给浏览器倒计时组件的消息。ServerTime 让客户端校正本地时钟偏差，
// 客户端只展示 ExpiresAt，从不自己推算占用状态。
type pushMessage struct {
	*domain.ReservationEvent
	ServerTime time.Time `json:"serverTime"`
}

// Hub 维护按购物车分组的 WebSocket 连接，并实现 port.EventPublisher，把占用变化推送给对应购物车。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		now:     time.Now,
	}
}

// Client 是一个 WebSocket 连接的代表
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	cartID string
	once   sync.Once
}

func snapshotMessage(view domain.CartView, now time.Time) []byte {
	ev := domain.NewReservationEvent(EventSnapshot, view.CartID, view.ExpiresAt, view.Reservations, now)
	data, _ := json.Marshal(pushMessage{ReservationEvent: ev, ServerTime: now.UTC()})
	return data
}

// Publish 非阻塞地把事件投递给该购物车的所有连接，发送缓冲已满的慢连接会被断开。
func (h *Hub) Publish(_ context.Context, event *domain.ReservationEvent) error {
	data, err := json.Marshal(pushMessage{ReservationEvent: event, ServerTime: h.now().UTC()})
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients[event.CartID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister(c)
	}
	return nil
}

// Connections 返回某个购物车当前的连接数。
func (h *Hub) Connections(cartID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[cartID])
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.cartID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.cartID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.cartID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.cartID)
		}
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

// ServeWS 升级连接，先发送 snapshot，再开始接收该购物车的推送。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, cartID string, snapshot []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("cart_id", cartID).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), cartID: cartID}
	client.send <- snapshot
	h.register(client)
	logger.Ctx(r.Context()).Info().Str("cart_id", cartID).Msg("Client subscribed to cart")

	go client.writePump()
	go client.readPump()
}

// writePump 负责将 send channel 中的消息写入 websocket，并定期发送 ping。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理心跳，连接断开时注销客户端。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
