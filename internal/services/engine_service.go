// internal/services/engine_service.go
package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/config"
	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/llm"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// NarrativeEngine 叙事引擎：输入请求上下文，输出原始文本
type NarrativeEngine interface {
	Generate(ctx context.Context, rc *models.RequestContext) (string, error)
}

var providerDefaultModels = map[string]string{
	"anthropic":  "claude-sonnet-4-5",
	"openrouter": "anthropic/claude-sonnet-4.5",
}

// EngineService 通过 llm.Provider 调用叙事引擎
type EngineService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	defaultModel  string
	isReady       bool
	readyState    string

	timeout     time.Duration
	maxTokens   int
	temperature float32
	metrics     *utils.GameMetrics
	usage       *UsageTracker
	logger      *utils.Logger
}

// NewEngineService 按配置初始化；配置不完整时返回未就绪的服务而不是错误
func NewEngineService(cfg *config.AppConfig, metrics *utils.GameMetrics) *EngineService {
	s := &EngineService{
		readyState:  "Uninitialized",
		timeout:     60 * time.Second,
		maxTokens:   2048,
		temperature: 0.8,
		metrics:     metrics,
		logger:      utils.GetLogger(),
	}
	if cfg == nil {
		s.readyState = "Failed to retrieve configuration"
		return s
	}
	if cfg.Gameplay.EngineTimeout > 0 {
		s.timeout = cfg.Gameplay.EngineTimeout
	}
	if cfg.LLMProvider == "" || cfg.LLMConfig["api_key"] == "" {
		s.readyState = "API key not configured"
		return s
	}
	if err := s.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig); err != nil {
		s.logger.Warn("narrative engine not ready", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"err":      err.Error(),
		})
	}
	return s
}

// UpdateProvider 切换提供商
func (s *EngineService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := llm.GetProvider(providerName, cfg)

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	if err != nil {
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		return err
	}

	s.provider = provider
	s.providerName = providerName
	s.defaultModel = cfg["default_model"]
	if s.defaultModel == "" {
		s.defaultModel = providerDefaultModels[providerName]
	}
	s.isReady = true
	s.readyState = "Ready"
	return nil
}

// SetUsage 设置用量统计，可为 nil
func (s *EngineService) SetUsage(usage *UsageTracker) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.usage = usage
}

// SetTimeout 调整单次调用的超时
func (s *EngineService) SetTimeout(d time.Duration) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	if d > 0 {
		s.timeout = d
	}
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *EngineService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "引擎服务未初始化"
	}
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady, s.readyState
}

// ProviderName 当前提供商
func (s *EngineService) ProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// DefaultModel 当前默认模型
func (s *EngineService) DefaultModel() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.defaultModel
}

// Generate 原样发送请求上下文，失败时返回 engine_* 类型的 AppError
func (s *EngineService) Generate(ctx context.Context, rc *models.RequestContext) (string, error) {
	s.providerMutex.RLock()
	provider, name, model, timeout, ready, usage := s.provider, s.providerName, s.defaultModel, s.timeout, s.isReady, s.usage
	s.providerMutex.RUnlock()

	if !ready || provider == nil {
		return "", errors.NewEngineError(errors.ErrorTypeEngineProvider, "narrative engine is not configured", nil)
	}

	req := llm.CompletionRequest{
		SystemPrompt: rc.SystemPrompt,
		Messages:     make([]llm.Message, 0, len(rc.Messages)),
		MaxTokens:    s.maxTokens,
		Temperature:  s.temperature,
		Model:        model,
	}
	for _, m := range rc.Messages {
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.CompleteText(callCtx, req)
	if err != nil {
		err = classifyEngineError(callCtx, err)
	}
	if s.metrics != nil {
		s.metrics.RecordEngineCall(name, time.Since(start), err)
	}
	if err != nil {
		usage.Record(0, true)
		return "", err
	}

	tokens := resp.TokensUsed
	if tokens == 0 {
		tokens = resp.PromptTokens + resp.OutputTokens
	}
	usage.Record(tokens, false)

	s.logger.Debug("engine call completed", map[string]interface{}{
		"request_id": rc.ID,
		"provider":   name,
		"model":      resp.ModelName,
		"tokens":     resp.TokensUsed,
		"elapsed":    utils.Since(start),
	})
	return resp.Text, nil
}

// classifyEngineError 把提供商错误映射为三类引擎错误
func classifyEngineError(ctx context.Context, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewEngineError(errors.ErrorTypeEngineTimeout, "narrative engine timed out", err)
	}
	var pe *llm.ProviderError
	if stderrors.As(err, &pe) {
		return errors.NewEngineError(errors.ErrorTypeEngineProvider, "narrative engine returned an error", err)
	}
	return errors.NewEngineError(errors.ErrorTypeEngineTransport, "narrative engine unreachable", err)
}
