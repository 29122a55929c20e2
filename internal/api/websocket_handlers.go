// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/services"
)

// streamRequest 客户端发来的控制消息
type streamRequest struct {
	Type  string `json:"type"`
	Since uint64 `json:"since"`
	Limit int    `json:"limit"`
}

// EventStream 事件流：先发送 sync，再回填 last_seq 之后的积压事件，之后推送实时事件
func (h *Handler) EventStream(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	lastSeq, err := strconv.ParseUint(c.DefaultQuery("last_seq", "0"), 10, 64)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorInvalidSequence, "last_seq must be a non-negative integer")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{"err": err.Error()})
		return
	}

	client := newWebSocketClient(conn, h.Session.SessionID())
	h.Streams.register(client)
	sub, backlog := h.Events.Subscribe(lastSeq)
	h.recordSubscribers()
	h.logger.Info("event stream connected", map[string]interface{}{
		"client":   client.id,
		"last_seq": lastSeq,
		"backlog":  len(backlog),
	})

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeEvents(client, sub, lastSeq, backlog, quit)
	}()

	h.readControl(client)

	close(quit)
	<-done
	h.Events.Unsubscribe(sub)
	h.Streams.unregister(client)
	h.recordSubscribers()
	h.logger.Info("event stream closed", map[string]interface{}{
		"client":   client.id,
		"last_seq": client.lastSeq.Load(),
	})
}

// writeEvents 连接上唯一的写协程
func (h *Handler) writeEvents(client *WebSocketClient, sub *services.Subscription, fromSeq uint64, backlog []models.Event, quit <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	client.lastSeq.Store(fromSeq)
	hello := map[string]interface{}{
		"type":      "sync",
		"from_seq":  fromSeq,
		"last_seq":  h.Events.LastSeq(),
		"backlog":   len(backlog),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if err := client.writeJSON(hello); err != nil {
		return
	}
	for _, ev := range backlog {
		if err := h.writeEvent(client, ev); err != nil {
			return
		}
	}

	for {
		select {
		case <-quit:
			client.writeRaw(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case ev, ok := <-sub.C:
			if !ok {
				// 订阅因消费过慢被关闭，客户端需要重新连接并回填
				client.writeJSON(map[string]interface{}{
					"type":     "resync_required",
					"last_seq": client.lastSeq.Load(),
				})
				return
			}
			if ev.Seq <= client.lastSeq.Load() {
				continue
			}
			if err := h.writeEvent(client, ev); err != nil {
				return
			}

		case message := <-client.send:
			if err := client.writeRaw(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := client.writeRaw(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(client *WebSocketClient, ev models.Event) error {
	if err := client.writeJSON(map[string]interface{}{"type": "event", "event": ev}); err != nil {
		h.logger.Debug("websocket write failed", map[string]interface{}{"client": client.id, "err": err.Error()})
		return err
	}
	client.lastSeq.Store(ev.Seq)
	return nil
}

// readControl 读取控制消息，连接断开时返回
func (h *Handler) readControl(client *WebSocketClient) {
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", map[string]interface{}{"client": client.id, "err": err.Error()})
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req streamRequest
		if err := json.Unmarshal(messageBytes, &req); err != nil {
			client.SendError("invalid message")
			continue
		}
		h.handleStreamRequest(client, req)
	}
}

// handleStreamRequest 处理 ping 与 backfill
func (h *Handler) handleStreamRequest(client *WebSocketClient, req streamRequest) {
	switch req.Type {
	case "ping":
		client.SendMessage(map[string]interface{}{
			"type":      "pong",
			"last_seq":  h.Events.LastSeq(),
			"timestamp": time.Now().Unix(),
		})
	case "backfill":
		limit := req.Limit
		if limit <= 0 || limit > maxEventsPage {
			limit = maxEventsPage
		}
		events := h.Events.Since(req.Since, limit)
		if events == nil {
			events = []models.Event{}
		}
		client.SendMessage(map[string]interface{}{
			"type":     "backfill",
			"since":    req.Since,
			"events":   events,
			"last_seq": h.Events.LastSeq(),
		})
	default:
		client.SendError("unknown message type: " + req.Type)
	}
}

func (h *Handler) recordSubscribers() {
	if h.Metrics != nil {
		h.Metrics.SetSubscribers(h.Events.SubscriberCount())
	}
}
