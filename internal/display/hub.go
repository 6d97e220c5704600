package display

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/soap-vend/internal/config"
	"github.com/wfunc/soap-vend/internal/session"
	"go.uber.org/zap"
)

// 推送消息类型
const (
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypeState     = "state"
	MessageTypeQuantity  = "quantity"
	MessageTypeTotal     = "total"
	MessageTypeReceipt   = "receipt"
	MessageTypeMessage   = "message"
	MessageTypeTimer     = "timer"
	MessageTypeProducts  = "products"
)

// Message 推送给显示屏的消息
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client 一个已连接的显示屏
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte
}

// Hub 显示屏连接管理中心
//
// 实现Sink接口：编排器的显示事件经广播通道推送到
// 全部已连接的Kiosk页面。推送为尽力而为，队列满时丢弃。
type Hub struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client

	cfg    *config.DisplayConfig
	logger *zap.Logger
	done   chan struct{}
	once   sync.Once
}

// NewHub 创建Hub
func NewHub(cfg *config.DisplayConfig, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cfg:        cfg,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run 运行Hub主循环
func (h *Hub) Run() {
	go h.runHeartbeat()

	for {
		select {
		case <-h.done:
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop 停止Hub
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.done)
	})
}

// registerClient 注册显示屏
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("显示屏已连接", zap.String("client_id", client.ID))

	msg := &Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now().Unix(),
	}
	if data, err := json.Marshal(msg); err == nil {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// unregisterClient 注销显示屏
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("显示屏已断开", zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息到全部显示屏
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			// 发送缓冲区满，丢弃（显示屏为被动接收方，绝不阻塞编排器）
			h.logger.Warn("显示屏发送缓冲区满",
				zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// runHeartbeat 周期性广播心跳
func (h *Hub) runHeartbeat() {
	interval := h.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.push(MessageTypePing, nil)
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// NewClient 为一个升级后的连接创建客户端
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Hub:  h,
		Conn: conn,
		Send: make(chan []byte, 64),
	}
}

// push 序列化数据并入广播队列
func (h *Hub) push(msgType string, v interface{}) {
	msg := &Message{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
	}

	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			h.logger.Error("序列化推送数据失败",
				zap.String("type", msgType),
				zap.Error(err))
			return
		}
		msg.Data = data
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("广播队列已满，丢弃推送", zap.String("type", msgType))
	}
}

// StateChanged 实现Sink
func (h *Hub) StateChanged(state string) {
	h.push(MessageTypeState, map[string]string{"state": state})
}

// ShowQuantity 实现Sink
func (h *Hub) ShowQuantity(update QuantityUpdate) {
	h.push(MessageTypeQuantity, update)
}

// ShowTotal 实现Sink
func (h *Hub) ShowTotal(totalCents int64) {
	h.push(MessageTypeTotal, map[string]int64{"total_cents": totalCents})
}

// ShowReceipt 实现Sink
func (h *Hub) ShowReceipt(receipt *session.Receipt, transactionID string) {
	h.push(MessageTypeReceipt, map[string]interface{}{
		"receipt":        receipt,
		"transaction_id": transactionID,
	})
}

// ShowMessage 实现Sink
func (h *Hub) ShowMessage(kind string, text string) {
	h.push(MessageTypeMessage, map[string]string{
		"kind": kind,
		"text": text,
	})
}

// ShowTimer 实现Sink
func (h *Hub) ShowTimer(secondsRemaining int) {
	h.push(MessageTypeTimer, map[string]int{"seconds_remaining": secondsRemaining})
}
