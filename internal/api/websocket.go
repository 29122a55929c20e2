// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 64
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketClient 一个事件流连接
type WebSocketClient struct {
	id        string
	conn      WebSocketConnection
	sessionID string
	send      chan []byte
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
	lastSeq   atomic.Uint64 // 已发送的最后一个事件序号
}

// newWebSocketClient 创建客户端
func newWebSocketClient(conn WebSocketConnection, sessionID string) *WebSocketClient {
	client := &WebSocketClient{
		id:        ulid.Make().String(),
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBuffer),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// LastPing 最后活跃时间
func (client *WebSocketClient) LastPing() time.Time {
	return time.Unix(0, client.lastPing.Load())
}

// SendMessage 把控制消息放入发送队列，队列满时丢弃
func (client *WebSocketClient) SendMessage(message map[string]interface{}) error {
	if client.IsClosed() {
		return nil
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.send <- msgBytes:
	default:
		utils.GetLogger().Warn("websocket send queue full, dropping control message", map[string]interface{}{
			"client": client.id,
			"type":   message["type"],
		})
	}
	return nil
}

// SendError 发送错误消息到客户端
func (client *WebSocketClient) SendError(errorMsg string) {
	client.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// writeJSON 直接写入连接，只能由写协程调用
func (client *WebSocketClient) writeJSON(message interface{}) error {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return client.writeRaw(websocket.TextMessage, msgBytes)
}

func (client *WebSocketClient) writeRaw(messageType int, data []byte) error {
	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return client.conn.WriteMessage(messageType, data)
}

// EventStreamManager 跟踪所有事件流连接
type EventStreamManager struct {
	clients map[string]*WebSocketClient
	mutex   sync.RWMutex
	total   atomic.Int64
}

// NewEventStreamManager 创建连接管理器
func NewEventStreamManager() *EventStreamManager {
	return &EventStreamManager{clients: make(map[string]*WebSocketClient)}
}

// register 注册新客户端
func (manager *EventStreamManager) register(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.clients[client.id] = client
	manager.total.Add(1)
}

// unregister 注销并关闭客户端
func (manager *EventStreamManager) unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	delete(manager.clients, client.id)
	manager.mutex.Unlock()
	client.Close()
}

// Count 当前连接数
func (manager *EventStreamManager) Count() int {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return len(manager.clients)
}

// CloseAll 关闭所有连接
func (manager *EventStreamManager) CloseAll() {
	manager.mutex.Lock()
	clients := make([]*WebSocketClient, 0, len(manager.clients))
	for _, client := range manager.clients {
		clients = append(clients, client)
	}
	manager.clients = make(map[string]*WebSocketClient)
	manager.mutex.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// GetStatus 获取管理器状态
func (manager *EventStreamManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	clients := make([]interface{}, 0, len(manager.clients))
	for _, client := range manager.clients {
		if client.IsClosed() {
			continue
		}
		clients = append(clients, map[string]interface{}{
			"client_id":    client.id,
			"session_id":   client.sessionID,
			"connected_at": client.createdAt.Format(time.RFC3339),
			"last_ping":    client.LastPing().Format(time.RFC3339),
			"last_seq":     client.lastSeq.Load(),
		})
	}

	return map[string]interface{}{
		"total_connections":    len(clients),
		"lifetime_connections": manager.total.Load(),
		"ping_timeout_seconds": int(pongWait.Seconds()),
		"clients":              clients,
	}
}
