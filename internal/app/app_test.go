package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/config"
	"github.com/Corphon/SceneIntruderGM/internal/di"
	"github.com/Corphon/SceneIntruderGM/internal/services"
)

// 测试前的设置工作
func setupTest(t *testing.T) string {
	t.Helper()
	instance = nil
	di.GetContainer().Clear()

	tempDir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(tempDir, "data"))
	t.Setenv("LOG_DIR", filepath.Join(tempDir, "logs"))
	t.Setenv("STORAGE_BACKEND", "file")
	t.Setenv("SESSION_ID", "camp")
	t.Setenv("LLM_API_KEY", "")

	t.Cleanup(func() {
		if instance != nil {
			instance.cleanup()
		}
		di.GetContainer().Clear()
		instance = nil
	})
	return tempDir
}

// mockServer 模拟HTTP服务器
type mockServer struct {
	shutdownCalled atomic.Bool
}

func (m *mockServer) ListenAndServe() error {
	return nil
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.shutdownCalled.Store(true)
	return nil
}

// TestGetApp 测试获取应用实例
func TestGetApp(t *testing.T) {
	instance = nil
	defer func() { instance = nil }()

	app1 := GetApp()
	if app1 == nil {
		t.Fatal("GetApp应该返回一个非nil的应用实例")
	}
	if app2 := GetApp(); app1 != app2 {
		t.Fatal("GetApp应该返回相同的实例")
	}
	if app1.stopChan == nil {
		t.Fatal("应用实例的stopChan应该被初始化")
	}
}

// TestInitLogger 测试日志初始化
func TestInitLogger(t *testing.T) {
	tempDir := setupTest(t)
	logDir := filepath.Join(tempDir, "custom_logs")

	if err := initLogger(logDir); err != nil {
		t.Fatalf("初始化日志失败: %v", err)
	}
	logFile := filepath.Join(logDir, "app_"+time.Now().Format("2006-01-02")+".log")
	if _, err := os.Stat(logFile); err != nil {
		t.Fatalf("日志文件未创建: %v", err)
	}
}

// TestInitServices 测试服务初始化并注册到容器
func TestInitServices(t *testing.T) {
	tempDir := setupTest(t)
	t.Setenv("NARRATION_ENABLED", "true")

	if err := config.InitConfig(filepath.Join(tempDir, "data")); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	GetApp().config = config.GetCurrentConfig()

	if err := InitServices(); err != nil {
		t.Fatalf("初始化服务失败: %v", err)
	}

	container := di.GetContainer()
	for _, name := range []string{
		di.ServiceConfig, di.ServiceMetrics, di.ServiceEngine, di.ServiceEvents,
		di.ServiceRunState, di.ServiceStore, di.ServiceOrchestrator, di.ServiceSession,
		di.ServiceNarration, di.ServiceLore, di.ServiceStorage, di.ServiceUsage,
	} {
		if !container.Has(name) {
			t.Errorf("容器中缺少服务 %s", name)
		}
	}

	session, err := di.Resolve[*services.SessionService](container, di.ServiceSession)
	if err != nil {
		t.Fatalf("获取会话服务失败: %v", err)
	}
	if session.SessionID() != "camp" {
		t.Fatalf("会话ID应为 camp, 实际 %q", session.SessionID())
	}

	engine, _ := di.Resolve[*services.EngineService](container, di.ServiceEngine)
	if ready, _ := engine.GetProviderStatus(); ready {
		t.Fatal("未配置API密钥时引擎不应就绪")
	}
}

// TestInitServicesWithSQLite 测试SQLite存储后端
func TestInitServicesWithSQLite(t *testing.T) {
	tempDir := setupTest(t)
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(tempDir, "session.db"))

	if err := config.InitConfig(filepath.Join(tempDir, "data")); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	if err := InitServices(); err != nil {
		t.Fatalf("初始化服务失败: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "session.db")); err != nil {
		t.Fatalf("数据库文件未创建: %v", err)
	}
}

// TestInitialize 测试完整初始化后路由可用
func TestInitialize(t *testing.T) {
	tempDir := setupTest(t)

	if err := Initialize(filepath.Join(tempDir, "data")); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	a := GetApp()
	if a.GetConfig() == nil || a.router == nil {
		t.Fatal("初始化后配置和路由应可用")
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/camp/state", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("读取会话状态期望200, 实际 %d: %s", w.Code, w.Body.String())
	}
}

// TestRun 测试运行与优雅关闭
func TestRun(t *testing.T) {
	tempDir := setupTest(t)
	if err := config.InitConfig(filepath.Join(tempDir, "data")); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}

	server := &mockServer{}
	a := GetApp()
	a.config = config.GetCurrentConfig()
	a.server = server

	done := make(chan error, 1)
	go func() { done <- Run() }()

	time.Sleep(50 * time.Millisecond)
	a.stopChan <- syscall.SIGINT

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run返回错误: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run未在收到信号后返回")
	}
	if !server.shutdownCalled.Load() {
		t.Fatal("应调用服务器的Shutdown")
	}
}

// TestRunWithoutInitialize 测试未初始化时运行
func TestRunWithoutInitialize(t *testing.T) {
	setupTest(t)
	if err := Run(); err == nil {
		t.Fatal("未初始化时Run应返回错误")
	}
}

// TestCleanupSavesSession 测试清理时保存会话
func TestCleanupSavesSession(t *testing.T) {
	tempDir := setupTest(t)
	dataDir := filepath.Join(tempDir, "data")
	if err := config.InitConfig(dataDir); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	if err := InitServices(); err != nil {
		t.Fatalf("初始化服务失败: %v", err)
	}

	GetApp().cleanup()
	if GetApp().cancel != nil {
		t.Fatal("清理后cancel应被重置")
	}

	if _, err := os.Stat(filepath.Join(dataDir, "sessions", "camp", "state.json")); err != nil {
		t.Fatalf("清理后应已保存会话数据: %v", err)
	}
}

// TestIsDebugMode 测试调试模式判断
func TestIsDebugMode(t *testing.T) {
	instance = nil
	defer func() { instance = nil }()

	if IsDebugMode() {
		t.Fatal("未初始化时不应处于调试模式")
	}
	GetApp().config = &config.AppConfig{DebugMode: true}
	if !IsDebugMode() {
		t.Fatal("配置开启时应处于调试模式")
	}
}

// TestGetDIContainer 测试获取依赖注入容器
func TestGetDIContainer(t *testing.T) {
	if GetDIContainer() != di.GetContainer() {
		t.Fatal("应返回全局容器")
	}
}
