package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"Bt1QRec/logger"
	"Bt1QRec/model"
)

const (
	// 单次写入的最长等待时间
	feedWriteWait = 10 * time.Second
	// 每个连接的发送缓冲大小，写满说明客户端消费太慢
	feedSendBuffer = 32
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 网关已做来源控制
	},
}

// feedEvent 推送给客户端的事件
type feedEvent struct {
	Type string      `json:"type"`
	Beat *model.Beat `json:"beat"`
}

// feedClient 是一条带发送缓冲的下行连接，所有写入都走 writePump
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// FeedHub 按用户维护 WebSocket 连接，推荐合并进队列时实时推送
// 实现 mq.Notifier，由 DeliveryConsumer 在合并成功后调用
// 锁内只做 map 和 channel 操作，网络写入全部在各连接自己的 writePump 里
type FeedHub struct {
	mu      sync.Mutex
	clients map[string]map[*feedClient]struct{}
}

// NewFeedHub 创建推送 hub
func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients: make(map[string]map[*feedClient]struct{}),
	}
}

// HandleFeed 升级连接并注册到用户的连接集合
// 连接只用于下行推送，读循环仅用于感知客户端断开
func (h *FeedHub) HandleFeed(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		if claims := claimsFromContext(r.Context()); claims != nil {
			userID = claims.UserID
		}
	}
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed",
			logger.String("userId", userID),
			logger.ErrorField(err))
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan []byte, feedSendBuffer),
	}
	h.register(userID, client)
	logger.Info("feed connected", logger.String("userId", userID))

	go h.writePump(userID, client)
	go h.readPump(userID, client)
}

// NotifyDelivered 向用户的所有连接投递一条新合并的推荐
// 从不阻塞：发送缓冲已满的慢客户端丢这一条事件，投递循环照常前进
func (h *FeedHub) NotifyDelivered(userID string, beat *model.Beat) {
	data, err := json.Marshal(feedEvent{Type: "recommendation", Beat: beat})
	if err != nil {
		logger.Error("failed to marshal feed event", logger.ErrorField(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- data:
		default:
			logger.Warn("feed client too slow, dropping event",
				logger.String("userId", userID),
				logger.String("beatId", beat.ID))
		}
	}
}

// writePump 串行写出一个连接的所有事件，每次写入都带截止时间
// 写失败或超时说明客户端已不可用，注销连接
func (h *FeedHub) writePump(userID string, c *feedClient) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Warn("feed push failed, dropping connection",
				logger.String("userId", userID),
				logger.ErrorField(err))
			h.unregister(userID, c)
			return
		}
	}
	// 注销方关闭了发送通道
	c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump 只用来感知断开，收到任何读错误就注销
func (h *FeedHub) readPump(userID string, c *feedClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.unregister(userID, c)
			logger.Info("feed disconnected", logger.String("userId", userID))
			return
		}
	}
}

func (h *FeedHub) register(userID string, c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*feedClient]struct{})
	}
	h.clients[userID][c] = struct{}{}
}

// unregister 把连接移出集合并关闭其发送通道，重复调用无害
// 关闭通道和移除成员在同一临界区里，NotifyDelivered 不会写到已关闭的通道
func (h *FeedHub) unregister(userID string, c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}
