package services

import (
	"context"
	"sync"
	"testing"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
)

// memoryBackend 内存中的会话与事件存储
type memoryBackend struct {
	mu       sync.Mutex
	sessions map[string]*models.SessionState
	events   map[string][]models.Event
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		sessions: make(map[string]*models.SessionState),
		events:   make(map[string][]models.Event),
	}
}

func (m *memoryBackend) SaveSession(_ context.Context, state *models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[state.SessionID] = state.Clone()
	return nil
}

func (m *memoryBackend) LoadSession(_ context.Context, id string) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[id]
	if !ok {
		return nil, errors.NewNotFoundError("session "+id+" not found", nil)
	}
	return state.Clone(), nil
}

func (m *memoryBackend) SaveEvents(_ context.Context, id string, evs []models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = append(m.events[id], evs...)
	return nil
}

func (m *memoryBackend) LoadEvents(_ context.Context, id string, afterSeq uint64, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events[id] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func seededSession(id string) *models.SessionState {
	state := newTestSession()
	state.SessionID = id
	state.Location = "Crossroads"
	return state
}

func newTestSessionService(backend *memoryBackend) (*SessionService, *EventLog, *RunStateManager) {
	events := NewEventLog()
	runState := NewRunStateManager()
	svc := NewSessionService(NewSessionStore(models.NewSessionState("")), events, runState, backend, backend, seededSession)
	return svc, events, runState
}

// TestSessionServiceSeedsMissingSession 测试会话不存在时使用种子
func TestSessionServiceSeedsMissingSession(t *testing.T) {
	svc, _, _ := newTestSessionService(newMemoryBackend())
	if err := svc.Load(context.Background(), "camp"); err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	state := svc.State()
	if state.SessionID != "camp" || state.Location != "Crossroads" || len(state.Party) != 2 {
		t.Fatalf("种子状态不正确: %+v", state)
	}
}

// TestSessionServiceSaveAndReload 测试保存后重新加载，事件序号继续递增
func TestSessionServiceSaveAndReload(t *testing.T) {
	backend := newMemoryBackend()
	svc, events, _ := newTestSessionService(backend)
	ctx := context.Background()
	if err := svc.Load(ctx, "camp"); err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	events.Append(models.EventSystemMessage, "", map[string]interface{}{"content": "one"})
	events.Append(models.EventSystemMessage, "", map[string]interface{}{"content": "two"})
	if err := svc.Save(ctx); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	events.Append(models.EventSystemMessage, "", map[string]interface{}{"content": "three"})
	if err := svc.Save(ctx); err != nil {
		t.Fatalf("第二次保存失败: %v", err)
	}
	if n := len(backend.events["camp"]); n != 3 {
		t.Fatalf("事件不应重复归档, 实际 %d 条", n)
	}

	reloaded, reloadedEvents, _ := newTestSessionService(backend)
	if err := reloaded.Load(ctx, "camp"); err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	if reloadedEvents.LastSeq() != 3 {
		t.Fatalf("应恢复到序号3, 实际 %d", reloadedEvents.LastSeq())
	}
	if ev := reloadedEvents.Append(models.EventSystemMessage, "", nil); ev.Seq != 4 {
		t.Fatalf("新事件序号应为4, 实际 %d", ev.Seq)
	}
}

// TestSessionServiceBusy 测试处理中不能保存或重置
func TestSessionServiceBusy(t *testing.T) {
	svc, _, runState := newTestSessionService(newMemoryBackend())
	if err := svc.Load(context.Background(), "camp"); err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if !runState.TryAcquire("player_action") {
		t.Fatal("获取闸门失败")
	}
	defer runState.Release()

	if err := svc.Save(context.Background()); !errors.IsBusyError(err) {
		t.Fatalf("保存应返回 busy: %v", err)
	}
	if err := svc.Reset(context.Background()); !errors.IsBusyError(err) {
		t.Fatalf("重置应返回 busy: %v", err)
	}
}

// TestSessionServiceReset 测试重置清除状态与请求上下文
func TestSessionServiceReset(t *testing.T) {
	svc, events, runState := newTestSessionService(newMemoryBackend())
	ctx := context.Background()
	if err := svc.Load(ctx, "camp"); err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	events.Append(models.EventChatMessage, "", nil)
	runState.StoreRequest(&models.RequestContext{ID: "rc-1"})

	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("重置失败: %v", err)
	}
	if runState.LastRequestID() != "" {
		t.Fatal("重置后不应保留请求上下文")
	}
	last := events.Since(0, 0)
	if len(last) != 2 || last[1].Type != models.EventSystemMessage || last[1].Payload["kind"] != "session_reset" {
		t.Fatalf("重置应追加 session_reset 事件: %+v", last)
	}
	if svc.State().SessionID != "camp" {
		t.Fatal("重置后会话ID应保持不变")
	}
	if svc.RunStats().Processing {
		t.Fatal("重置后闸门应已释放")
	}
}
