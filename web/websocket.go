package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradepilot/event"
	"tradepilot/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 由服务令牌层控制访问
	},
}

// Hub WebSocket 推送中心，健康与故障转移事件经防抖后广播给所有面板连接
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewHub 创建推送中心
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopCh:     make(chan struct{}),
	}
}

// Start 接上事件总线并启动广播循环
// 存储变更事件按类型防抖，浏览器只看到合并后的最终状态
func (h *Hub) Start(bus *event.Bus, debounceMs int) {
	go h.run()
	debounced := event.Debounce(bus.Subscribe(), time.Duration(debounceMs)*time.Millisecond)
	go func() {
		for e := range debounced {
			data, err := json.Marshal(e)
			if err != nil {
				logger.Warn("⚠️ 序列化推送事件失败: %v", err)
				continue
			}
			select {
			case h.broadcast <- data:
			default:
				// 广播缓冲满时丢弃，面板下次轮询会补齐
			}
		}
	}()
}

// Stop 停止广播循环
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket 升级连接并托管生命周期
func (s *Server) handleWebSocket(c *gin.Context) {
	// 令牌既可走 Authorization 头也可走查询参数（浏览器 WebSocket 不能自定义头）
	token := s.cfg.Server.ServiceToken
	if token != "" {
		got := c.Query("token")
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if got != token {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "无效服务令牌"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	s.hub.register <- conn

	// 读循环只为感知断开
	go func() {
		defer func() { s.hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
