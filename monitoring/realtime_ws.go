package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 消息类型
type MessageType string

const (
	ScoreEvent    MessageType = "score_event"
	HighRiskAlert MessageType = "high_risk_alert"
	ModelReloaded MessageType = "model_reloaded"
	Heartbeat     MessageType = "heartbeat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBuffer   = 256
	maxReadBytes = 4096
)

// Message 推送消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

type outbound struct {
	typ     MessageType
	payload []byte
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool // 空表示全部
}

func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// HubStats 推送统计
type HubStats struct {
	ConnectedClients int       `json:"connected_clients"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesDropped  int64     `json:"messages_dropped"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
}

// Hub 仪表盘实时推送中心
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	done       chan struct{}

	startTime time.Time
	sent      atomic.Int64
	dropped   atomic.Int64
}

// NewHub 创建推送中心
func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run 运行推送循环, ctx结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client connected", zap.String("client_id", client.clientID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client disconnected", zap.String("client_id", client.clientID), zap.Int("total", total))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-heartbeat.C:
			if payload, err := encode(Heartbeat, map[string]string{"status": "alive"}); err == nil {
				h.deliver(outbound{typ: Heartbeat, payload: payload})
			}

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("dashboard hub stopped")
			return
		}
	}
}

// Done 在Run退出后关闭
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(msg.typ) {
			continue
		}
		select {
		case client.send <- msg.payload:
			h.sent.Add(1)
		default:
			// 慢客户端直接断开
			close(client.send)
			delete(h.clients, client)
			h.dropped.Add(1)
		}
	}
}

// HandleWebSocket 处理WebSocket连接
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		clientID:      uuid.NewString(),
		subscriptions: make(map[MessageType]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

// Publish 广播消息, 队列满时丢弃
func (h *Hub) Publish(t MessageType, data any) error {
	payload, err := encode(t, data)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- outbound{typ: t, payload: payload}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("dashboard broadcast queue is full, dropping message", zap.String("type", string(t)))
	}
	return nil
}

// PublishScore 推送评分事件, 高风险时额外推送告警
func (h *Hub) PublishScore(event ScoreEventMessage) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := h.Publish(ScoreEvent, event); err != nil {
		return err
	}
	if !event.HighRisk {
		return nil
	}
	return h.Publish(HighRiskAlert, HighRiskAlertMessage{
		CustomerID:     event.CustomerID,
		Probability:    event.Probability,
		Threshold:      event.Threshold,
		Tier:           event.Tier,
		MonthlyCharges: event.MonthlyCharges,
		Recommendation: event.Recommendation,
		Timestamp:      event.Timestamp,
	})
}

// Stats 获取推送统计
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()
	return HubStats{
		ConnectedClients: connected,
		MessagesSent:     h.sent.Load(),
		MessagesDropped:  h.dropped.Load(),
		StartTime:        h.startTime,
		Uptime:           time.Since(h.startTime).Round(time.Second).String(),
	}
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write failed", zap.String("client_id", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("client_id", c.clientID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("bad client message", zap.String("client_id", c.clientID), zap.Error(err))
			continue
		}
		c.handleClientMessage(msg)
	}
}

// handleClientMessage 处理订阅请求
func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[MessageType(msg.Topic)] = true
	case "unsubscribe":
		delete(c.subscriptions, MessageType(msg.Topic))
	}
}

func encode(t MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return json.Marshal(Message{
		Type:      t,
		Timestamp: time.Now(),
		Data:      raw,
		ID:        uuid.NewString(),
	})
}

// ScoreEventMessage 评分事件
type ScoreEventMessage struct {
	CustomerID     string    `json:"customer_id,omitempty"`
	ModelID        string    `json:"model_id"`
	Probability    float64   `json:"probability"`
	HighRisk       bool      `json:"high_risk"`
	Threshold      float64   `json:"threshold"`
	Tier           string    `json:"tier"`
	MonthlyCharges string    `json:"monthly_charges,omitempty"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
}

// HighRiskAlertMessage 高风险告警
type HighRiskAlertMessage struct {
	CustomerID     string    `json:"customer_id,omitempty"`
	Probability    float64   `json:"probability"`
	Threshold      float64   `json:"threshold"`
	Tier           string    `json:"tier"`
	MonthlyCharges string    `json:"monthly_charges,omitempty"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
}

// ModelReloadedMessage 模型热加载通知
type ModelReloadedMessage struct {
	ModelID   string    `json:"model_id"`
	Dimension int       `json:"dimension"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage 客户端消息
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe
	Topic string `json:"topic"`
}
