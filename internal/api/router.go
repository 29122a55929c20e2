// internal/api/router.go
package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/SceneIntruderGM/internal/auth"
	"github.com/Corphon/SceneIntruderGM/internal/config"
	"github.com/Corphon/SceneIntruderGM/internal/di"
	"github.com/Corphon/SceneIntruderGM/internal/services"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// SetupRouter 使用全局容器中的服务配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	return NewRouter(di.GetContainer())
}

// NewRouter 只从容器获取服务，不创建新实例
func NewRouter(container *di.Container) (*gin.Engine, error) {
	cfg, err := di.Resolve[*config.AppConfig](container, di.ServiceConfig)
	if err != nil {
		cfg = config.GetCurrentConfig()
	}
	if cfg == nil {
		return nil, fmt.Errorf("配置未初始化")
	}

	orchestrator, err := di.Resolve[*services.Orchestrator](container, di.ServiceOrchestrator)
	if err != nil {
		return nil, fmt.Errorf("编排服务未正确初始化: %w", err)
	}
	session, err := di.Resolve[*services.SessionService](container, di.ServiceSession)
	if err != nil {
		return nil, fmt.Errorf("会话服务未正确初始化: %w", err)
	}
	engine, err := di.Resolve[*services.EngineService](container, di.ServiceEngine)
	if err != nil {
		return nil, fmt.Errorf("叙事引擎服务未正确初始化: %w", err)
	}
	metrics, err := di.Resolve[*utils.GameMetrics](container, di.ServiceMetrics)
	if err != nil {
		metrics = utils.NewGameMetrics(nil)
	}

	handler := NewHandler(orchestrator, session, engine, metrics)
	if narration, err := di.Resolve[*services.NarrationQueue](container, di.ServiceNarration); err == nil {
		handler.Narration = narration
	}
	if usage, err := di.Resolve[*services.UsageTracker](container, di.ServiceUsage); err == nil {
		handler.Usage = usage
	}

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), requestLogMiddleware(metrics), corsMiddleware())

	limiter := NewRateLimiter()
	operator := OperatorAuth(auth.NewTokenConfig(cfg.Gameplay.OperatorSecret, cfg.Gameplay.OperatorTokenTTL))

	// WebSocket 事件流
	r.GET("/ws/sessions/:id/events", handler.EventStream)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)

		// 会话相关路由
		sessions := api.Group("/sessions/:id")
		{
			sessions.POST("/actions", RateLimitByIP(limiter, cfg.Gameplay.ActionRateLimit, time.Minute), handler.SubmitAction)
			sessions.GET("/state", handler.GetState)
			sessions.GET("/events", handler.GetEvents)
			sessions.POST("/save", handler.SaveSession)
			sessions.POST("/reset", operator, handler.ResetSession)
		}

		// 叙事引擎配置相关路由
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.PUT("/config", operator, handler.UpdateLLMConfig)
		}
	}

	return r, nil
}
