// internal/api/handlers.go
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/SceneIntruderGM/internal/config"
	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/llm"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/services"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

const maxEventsPage = 500

// Handler 处理API请求
type Handler struct {
	Orchestrator *services.Orchestrator   // 动作编排
	Session      *services.SessionService // 会话加载、保存与重置
	Events       *services.EventLog       // 事件日志
	Engine       *services.EngineService  // 叙事引擎
	Metrics      *utils.GameMetrics       // 指标
	Narration    *services.NarrationQueue // 可为 nil
	Usage        *services.UsageTracker   // 可为 nil
	Streams      *EventStreamManager      // WebSocket 事件流
	Response     *ResponseHelper          // 响应助手
	logger       *utils.Logger
}

// ActionRequest 动作提交请求
type ActionRequest struct {
	Type      models.ActionType `json:"type"`
	Data      json.RawMessage   `json:"data,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// actionData 动作负载
type actionData struct {
	ActorID string                  `json:"actor_id"`
	Text    string                  `json:"text"`
	Dice    []models.DiceSubmission `json:"dice"`
}

// NewHandler 创建API处理器
func NewHandler(
	orchestrator *services.Orchestrator,
	session *services.SessionService,
	engine *services.EngineService,
	metrics *utils.GameMetrics,
) *Handler {
	return &Handler{
		Orchestrator: orchestrator,
		Session:      session,
		Events:       session.Events(),
		Engine:       engine,
		Metrics:      metrics,
		Streams:      NewEventStreamManager(),
		Response:     NewResponseHelper(),
		logger:       utils.GetLogger(),
	}
}

// requireSession 路径中的会话ID必须是当前会话
func (h *Handler) requireSession(c *gin.Context) bool {
	if c.Param("id") != h.Session.SessionID() {
		h.Response.NotFound(c, "session", c.Param("id"))
		return false
	}
	return true
}

// toAction 解析请求体为动作
func (req *ActionRequest) toAction() (models.Action, error) {
	action := models.Action{Type: req.Type, RequestID: strings.TrimSpace(req.RequestID)}
	if action.Type == "" {
		return action, errors.NewValidationError("action type is required", nil)
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		return action, nil
	}

	var data actionData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return action, errors.NewValidationError("invalid action data", err)
	}
	action.ActorID = data.ActorID
	action.Text = data.Text
	action.Dice = data.Dice
	return action, nil
}

// SubmitAction 提交动作；忙时返回409，其余已处理的失败以200返回并在响应体中说明
func (h *Handler) SubmitAction(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorInvalidAction, "invalid request body", err.Error())
		return
	}
	action, err := req.toAction()
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorInvalidAction, err.Error())
		return
	}

	resp := h.Orchestrator.Handle(c.Request.Context(), action)
	status := http.StatusOK
	if resp.Error != nil {
		status = statusForKind(errors.ErrorType(resp.Error.Kind))
	}
	c.JSON(status, resp)
}

// GetState 返回当前会话状态
func (h *Handler) GetState(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	h.Response.Success(c, gin.H{
		"state":     h.Session.State(),
		"last_seq":  h.Events.LastSeq(),
		"run_state": h.Session.RunStats(),
	})
}

// GetEvents 按序号分页读取事件
func (h *Handler) GetEvents(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}

	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorInvalidSequence, "since must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(maxEventsPage)))
	if err != nil || limit <= 0 {
		h.Response.BadRequest(c, "limit must be a positive integer")
		return
	}
	if limit > maxEventsPage {
		limit = maxEventsPage
	}

	events := h.Events.Since(since, limit)
	if events == nil {
		events = []models.Event{}
	}
	h.Response.Success(c, gin.H{
		"events":   events,
		"last_seq": h.Events.LastSeq(),
	})
}

// SaveSession 保存会话和事件归档
func (h *Handler) SaveSession(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	if err := h.Session.Save(c.Request.Context()); err != nil {
		h.Response.ServiceError(c, ErrorSaveFailed, err)
		return
	}
	h.Response.Success(c, gin.H{"last_seq": h.Events.LastSeq()}, "session saved")
}

// ResetSession 用种子重置会话
func (h *Handler) ResetSession(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	if err := h.Session.Reset(c.Request.Context()); err != nil {
		h.Response.ServiceError(c, ErrorResetFailed, err)
		return
	}
	h.Response.Success(c, gin.H{"last_seq": h.Events.LastSeq()}, "session reset")
}

// GetLLMStatus 叙事引擎状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	ready, state := h.Engine.GetProviderStatus()
	status := gin.H{
		"ready":     ready,
		"status":    state,
		"provider":  h.Engine.ProviderName(),
		"model":     h.Engine.DefaultModel(),
		"providers": llm.ListProviders(),
	}
	if cfg := config.GetCurrentConfig(); cfg != nil {
		status["config"] = gin.H{
			"provider":    cfg.LLMProvider,
			"has_api_key": cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "",
		}
	}
	h.Response.Success(c, status)
}

// UpdateLLMConfig 更新并持久化叙事引擎配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	if err := h.Engine.UpdateProvider(req.Provider, req.Config); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorEngineConfig, "failed to switch provider", err.Error())
		return
	}
	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		// 引擎已切换，但配置未能保存
		h.Response.Error(c, http.StatusPartialContent, ErrorEngineConfig, "provider switched but configuration was not saved", err.Error())
		return
	}

	ready, state := h.Engine.GetProviderStatus()
	h.Response.Success(c, gin.H{"ready": ready, "status": state, "provider": h.Engine.ProviderName()}, "configuration updated")
}

// GetMetrics 指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	data := gin.H{
		"metrics":   h.Metrics.Collector().GetMetrics(),
		"run_state": h.Session.RunStats(),
		"last_seq":  h.Events.LastSeq(),
	}
	if h.Narration != nil {
		data["narration"] = h.Narration.Stats()
	}
	if h.Usage != nil {
		data["engine_usage"] = h.Usage.Snapshot()
	}
	h.Response.Success(c, data)
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := h.Streams.GetStatus()
	status["subscribers"] = h.Events.SubscriberCount()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	h.Response.Success(c, status)
}

// Health 存活检查
func (h *Handler) Health(c *gin.Context) {
	ready, _ := h.Engine.GetProviderStatus()
	h.Response.Success(c, gin.H{
		"status":       "ok",
		"session_id":   h.Session.SessionID(),
		"engine_ready": ready,
	})
}
