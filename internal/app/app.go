// internal/app/app.go
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/api"
	"github.com/Corphon/SceneIntruderGM/internal/config"
	"github.com/Corphon/SceneIntruderGM/internal/di"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/services"
	"github.com/Corphon/SceneIntruderGM/internal/storage"
	"github.com/Corphon/SceneIntruderGM/internal/utils"

	// 注册叙事引擎提供商
	_ "github.com/Corphon/SceneIntruderGM/internal/llm/providers/anthropic"
	_ "github.com/Corphon/SceneIntruderGM/internal/llm/providers/openrouter"
)

const (
	shutdownTimeout = 30 * time.Second
	loadTimeout     = 30 * time.Second
)

// httpServer 便于在测试中替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序实例
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   httpServer
	stopChan chan os.Signal
	cancel   context.CancelFunc
}

var instance *App

// GetApp 获取应用实例（单例）
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 按顺序初始化配置、日志、服务和路由
func Initialize(dataDir string) error {
	if err := config.InitConfig(dataDir); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}
	cfg := config.GetCurrentConfig()
	GetApp().config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	GetApp().router = router
	return nil
}

// initLogger 在日志目录下按日期创建日志文件
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	logFile := filepath.Join(logDir, fmt.Sprintf("app_%s.log", time.Now().Format("2006-01-02")))
	if err := utils.InitLogger(logFile); err != nil {
		return err
	}
	if IsDebugMode() {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}
	return nil
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices() error {
	container := di.GetContainer()
	logger := utils.GetLogger()

	cfg := config.GetCurrentConfig()
	gameplay := cfg.Gameplay
	container.Register(di.ServiceConfig, cfg)

	// 1. 基础服务
	metrics := utils.NewGameMetrics(utils.GetMetricsCollector())
	container.Register(di.ServiceMetrics, metrics)

	engine := services.NewEngineService(cfg, metrics)
	container.Register(di.ServiceEngine, engine)
	if ready, state := engine.GetProviderStatus(); !ready {
		logger.Warn("narrative engine is not ready", map[string]interface{}{"state": state})
	}

	seed, err := loadSeed(gameplay.SessionSeed)
	if err != nil {
		return err
	}

	// 2. 会话核心
	store := services.NewSessionStore(seed(gameplay.SessionID))
	events := services.NewEventLog()
	runState := services.NewRunStateManager()
	container.Register(di.ServiceStore, store)
	container.Register(di.ServiceEvents, events)
	container.Register(di.ServiceRunState, runState)

	usage, err := services.NewUsageTracker(cfg.DataDir)
	if err != nil {
		return err
	}
	engine.SetUsage(usage)
	container.Register(di.ServiceUsage, usage)

	var lore *services.LoreIndex
	if gameplay.LoreEnabled {
		lore = services.NewLoreIndex()
		container.Register(di.ServiceLore, lore)
	}

	ctx, cancel := context.WithCancel(context.Background())
	GetApp().cancel = cancel
	usage.Start(ctx)

	var narration *services.NarrationQueue
	if gameplay.NarrationEnabled {
		narration = services.NewNarrationQueue(services.NewLogNarrator(), 32, 1)
		narration.Start(ctx)
		container.Register(di.ServiceNarration, narration)
	}

	combat := services.NewCombatMachine()
	pipeline := services.NewTurnPipeline(services.PipelineDeps{
		Store:       store,
		Events:      events,
		RunState:    runState,
		Engine:      engine,
		Interpreter: services.NewResponseInterpreter(),
		Updaters:    services.NewStateUpdaters(combat, gameplay.StrictUpdates),
		Combat:      combat,
		Builder:     services.NewContextBuilder(gameplay.ContextHistorySize, lore, gameplay.LoreTopK),
		Narration:   narration,
		Metrics:     metrics,
	}, services.PipelineOptions{
		Mode:                 services.ParseResponseMode(gameplay.ResponseMode),
		MaxContinuationDepth: gameplay.MaxContinuationDepth,
		RetryMaxAge:          gameplay.RetryMaxAge,
		AutoEndCombat:        gameplay.AutoEndCombat,
	})
	container.Register(di.ServiceOrchestrator, services.NewOrchestrator(pipeline, gameplay.ChatTailSize, metrics))

	// 3. 持久化与会话加载
	backend, err := openStorage(cfg)
	if err != nil {
		return err
	}
	container.Register(di.ServiceStorage, backend)

	session := services.NewSessionService(store, events, runState, backend, backend, seed)
	loadCtx, loadCancel := context.WithTimeout(ctx, loadTimeout)
	defer loadCancel()
	if err := session.Load(loadCtx, gameplay.SessionID); err != nil {
		return fmt.Errorf("加载会话失败: %w", err)
	}
	container.Register(di.ServiceSession, session)

	if cfg.DebugMode {
		metrics.StartReporting(ctx, time.Minute)
	}

	logger.Info("services initialized", map[string]interface{}{
		"session_id":    gameplay.SessionID,
		"storage":       gameplay.StorageBackend,
		"response_mode": gameplay.ResponseMode,
		"provider":      engine.ProviderName(),
		"services":      len(container.GetNames()),
	})
	return nil
}

// sessionBackend 会话持久化与事件归档
type sessionBackend interface {
	services.SessionPersistence
	services.EventArchive
}

func openStorage(cfg *config.AppConfig) (sessionBackend, error) {
	switch cfg.Gameplay.StorageBackend {
	case "sqlite":
		store, err := storage.OpenSQLite(cfg.Gameplay.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("打开SQLite存储失败: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewFileStorage(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("创建文件存储失败: %w", err)
		}
		return store, nil
	}
}

// loadSeed 没有种子文件时使用空会话
func loadSeed(path string) (services.SeedFunc, error) {
	if path == "" {
		return models.NewSessionState, nil
	}
	seed, err := config.LoadSessionSeed(path)
	if err != nil {
		return nil, err
	}
	return seed.NewSessionState, nil
}

// Run 启动服务器并等待停止信号
func Run() error {
	a := GetApp()
	if a.server == nil {
		if a.router == nil || a.config == nil {
			return fmt.Errorf("应用尚未初始化")
		}
		a.server = &http.Server{
			Addr:              ":" + a.config.Port,
			Handler:           a.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	errChan := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.stopChan)

	select {
	case err := <-errChan:
		a.cleanup()
		return fmt.Errorf("启动服务器失败: %w", err)
	case sig := <-a.stopChan:
		utils.GetLogger().Info("shutting down", map[string]interface{}{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.server.Shutdown(ctx)
	a.cleanup()
	return err
}

// cleanup 保存会话并释放资源
func (a *App) cleanup() {
	logger := utils.GetLogger()
	container := di.GetContainer()

	if session, ok := container.Get(di.ServiceSession).(*services.SessionService); ok {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := session.Save(ctx); err != nil {
			logger.Warn("failed to save session on shutdown", map[string]interface{}{"err": err.Error()})
		}
		cancel()
	}

	if narration, ok := container.Get(di.ServiceNarration).(*services.NarrationQueue); ok {
		narration.Stop()
	}

	if usage, ok := container.Get(di.ServiceUsage).(*services.UsageTracker); ok {
		if err := usage.Close(); err != nil {
			logger.Warn("failed to save engine usage", map[string]interface{}{"err": err.Error()})
		}
	}

	if closer, ok := container.Get(di.ServiceStorage).(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close storage", map[string]interface{}{"err": err.Error()})
		}
	}

	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	logger.Info("cleanup finished", nil)
}

// GetConfig 获取应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否处于调试模式
func IsDebugMode() bool {
	if instance == nil || instance.config == nil {
		return false
	}
	return instance.config.DebugMode
}
