package services

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/config"
	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/llm"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// fakeProvider 由 complete 决定返回内容
type fakeProvider struct {
	complete func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	last     llm.CompletionRequest
}

func (p *fakeProvider) Initialize(cfg map[string]string) error {
	if cfg["api_key"] == "" {
		return errors.NewValidationError("api_key required", nil)
	}
	return nil
}

func (p *fakeProvider) GetName() string              { return "fake" }
func (p *fakeProvider) GetSupportedModels() []string { return []string{"fake-1"} }

func (p *fakeProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.last = req
	return p.complete(ctx, req)
}

func newFakeEngine(t *testing.T, name string, fn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)) (*EngineService, *fakeProvider, *utils.MetricsCollector) {
	t.Helper()
	provider := &fakeProvider{complete: fn}
	llm.Register(name, func() llm.Provider { return provider })

	collector := utils.NewMetricsCollector()
	cfg := &config.AppConfig{
		LLMProvider: name,
		LLMConfig:   map[string]string{"api_key": "k", "default_model": "fake-1"},
		Gameplay:    *config.DefaultGameplay(),
	}
	return NewEngineService(cfg, utils.NewGameMetrics(collector)), provider, collector
}

func sampleRequest() *models.RequestContext {
	return &models.RequestContext{
		ID:           "rc-1",
		SystemPrompt: "be a game master",
		Messages: []models.EngineMessage{
			{Role: "user", Content: "[hero] I look around"},
			{Role: "assistant", Content: "A dim cave."},
		},
	}
}

// TestEngineServiceForwardsRequest 测试请求上下文原样转发给提供商
func TestEngineServiceForwardsRequest(t *testing.T) {
	svc, provider, collector := newFakeEngine(t, "fake-forward", func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: `{"narrative":"ok"}`, ModelName: req.Model}, nil
	})

	ready, status := svc.GetProviderStatus()
	if !ready || status != "Ready" {
		t.Fatalf("服务应就绪: %v %s", ready, status)
	}

	text, err := svc.Generate(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if text != `{"narrative":"ok"}` {
		t.Fatalf("返回文本不正确: %s", text)
	}
	if provider.last.SystemPrompt != "be a game master" || len(provider.last.Messages) != 2 {
		t.Fatalf("请求未原样转发: %+v", provider.last)
	}
	if provider.last.Model != "fake-1" {
		t.Fatalf("应使用配置的默认模型, 实际 %s", provider.last.Model)
	}
	if collector.GetCounterValue("engine_calls_total") != 1 {
		t.Fatal("应记录一次引擎调用")
	}
}

// TestEngineServiceClassifiesErrors 测试提供商错误的分类
func TestEngineServiceClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errors.ErrorType
	}{
		{"provider", &llm.ProviderError{Provider: "fake", StatusCode: 503, Body: "overloaded"}, errors.ErrorTypeEngineProvider},
		{"transport", &llm.TransportError{Provider: "fake", Err: io.ErrUnexpectedEOF}, errors.ErrorTypeEngineTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newFakeEngine(t, "fake-"+tc.name, func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
				return nil, tc.err
			})
			_, err := svc.Generate(context.Background(), sampleRequest())
			if errors.Kind(err) != tc.want {
				t.Fatalf("错误类型应为 %s, 实际 %s", tc.want, errors.Kind(err))
			}
			if !errors.Retryable(err) {
				t.Fatal("引擎错误应可重试")
			}
		})
	}
}

// TestEngineServiceTimeout 测试调用超时
func TestEngineServiceTimeout(t *testing.T) {
	svc, _, _ := newFakeEngine(t, "fake-timeout", func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, &llm.TransportError{Provider: "fake", Err: ctx.Err()}
	})
	svc.SetTimeout(20 * time.Millisecond)

	_, err := svc.Generate(context.Background(), sampleRequest())
	if errors.Kind(err) != errors.ErrorTypeEngineTimeout {
		t.Fatalf("应返回 engine_timeout, 实际 %s", errors.Kind(err))
	}
}

// TestEngineServiceNotConfigured 测试未配置密钥时的状态
func TestEngineServiceNotConfigured(t *testing.T) {
	svc := NewEngineService(&config.AppConfig{LLMProvider: "anthropic", LLMConfig: map[string]string{}}, nil)
	ready, status := svc.GetProviderStatus()
	if ready || status != "API key not configured" {
		t.Fatalf("未配置时不应就绪: %v %s", ready, status)
	}
	_, err := svc.Generate(context.Background(), sampleRequest())
	if errors.Kind(err) != errors.ErrorTypeEngineProvider {
		t.Fatalf("应返回 engine_provider_error, 实际 %s", errors.Kind(err))
	}

	if err := svc.UpdateProvider("no-such-provider", map[string]string{"api_key": "k"}); err == nil {
		t.Fatal("未知提供商应返回错误")
	}
}

// TestEngineServiceRecordsUsage 测试调用计入用量统计
func TestEngineServiceRecordsUsage(t *testing.T) {
	calls := 0
	svc, _, _ := newFakeEngine(t, "fake-usage", func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		calls++
		if calls == 2 {
			return nil, &llm.ProviderError{Provider: "fake", StatusCode: 500, Body: "boom"}
		}
		return &llm.CompletionResponse{Text: "ok", PromptTokens: 30, OutputTokens: 12}, nil
	})
	usage, err := NewUsageTracker(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc.SetUsage(usage)

	svc.Generate(context.Background(), sampleRequest())
	svc.Generate(context.Background(), sampleRequest())

	snap := usage.Snapshot()
	if snap.TodayCalls != 2 || snap.TodayFailures != 1 || snap.MonthlyTokens != 42 {
		t.Fatalf("用量统计不正确: %+v", snap)
	}
}
