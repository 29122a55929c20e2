// internal/services/session_service.go
package services

import (
	"context"
	"sync"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// SessionPersistence 会话边界上的加载与保存
type SessionPersistence interface {
	SaveSession(ctx context.Context, state *models.SessionState) error
	// LoadSession 会话不存在时返回 not_found 类型的错误
	LoadSession(ctx context.Context, sessionID string) (*models.SessionState, error)
}

// EventArchive 事件归档，用于重载后延续序号
type EventArchive interface {
	SaveEvents(ctx context.Context, sessionID string, events []models.Event) error
	LoadEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]models.Event, error)
}

// SeedFunc 构造一个全新的会话状态
type SeedFunc func(sessionID string) *models.SessionState

// SessionService 会话的加载、保存与重置
type SessionService struct {
	store       *SessionStore
	events      *EventLog
	runState    *RunStateManager
	persistence SessionPersistence
	archive     EventArchive
	seed        SeedFunc

	mu          sync.Mutex
	archivedSeq uint64
	logger      *utils.Logger
}

// NewSessionService persistence 与 archive 可以为 nil
func NewSessionService(store *SessionStore, events *EventLog, runState *RunStateManager,
	persistence SessionPersistence, archive EventArchive, seed SeedFunc) *SessionService {
	if seed == nil {
		seed = models.NewSessionState
	}
	return &SessionService{
		store:       store,
		events:      events,
		runState:    runState,
		persistence: persistence,
		archive:     archive,
		seed:        seed,
		logger:      utils.GetLogger(),
	}
}

// Load 启动时加载会话；不存在时使用种子创建，并从归档恢复事件序号
func (s *SessionService) Load(ctx context.Context, sessionID string) error {
	state, err := s.loadOrSeed(ctx, sessionID)
	if err != nil {
		return err
	}
	s.store.Replace(state)

	if s.archive != nil {
		archived, err := s.archive.LoadEvents(ctx, sessionID, s.events.LastSeq(), 0)
		if err != nil {
			return errors.WrapError(err, "failed to load archived events", errors.ErrorTypeInternal)
		}
		s.events.Resume(archived)
		s.mu.Lock()
		s.archivedSeq = s.events.LastSeq()
		s.mu.Unlock()
	}

	s.logger.Info("session loaded", map[string]interface{}{
		"session_id": sessionID,
		"party":      len(state.Party),
		"last_seq":   s.events.LastSeq(),
	})
	return nil
}

func (s *SessionService) loadOrSeed(ctx context.Context, sessionID string) (*models.SessionState, error) {
	if s.persistence == nil {
		return s.seed(sessionID), nil
	}
	state, err := s.persistence.LoadSession(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	if errors.IsNotFoundError(err) {
		return s.seed(sessionID), nil
	}
	return nil, errors.WrapError(err, "failed to load session", errors.ErrorTypeInternal)
}

// Save 保存当前会话和尚未归档的事件；处理中的动作会导致 busy
func (s *SessionService) Save(ctx context.Context) error {
	if !s.runState.TryAcquire("save") {
		return errors.NewBusyError("cannot save while an action is being processed")
	}
	defer s.runState.Release()
	return s.saveLocked(ctx)
}

func (s *SessionService) saveLocked(ctx context.Context) error {
	snap := s.store.Snapshot()
	if s.persistence != nil {
		if err := s.persistence.SaveSession(ctx, snap); err != nil {
			return errors.WrapError(err, "failed to save session", errors.ErrorTypeInternal)
		}
	}
	if s.archive == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.events.Since(s.archivedSeq, 0)
	if len(pending) == 0 {
		return nil
	}
	if err := s.archive.SaveEvents(ctx, snap.SessionID, pending); err != nil {
		return errors.WrapError(err, "failed to archive events", errors.ErrorTypeInternal)
	}
	s.archivedSeq = pending[len(pending)-1].Seq
	return nil
}

// Reset 用种子替换当前会话，并清除保存的请求上下文；事件序号继续递增
func (s *SessionService) Reset(ctx context.Context) error {
	if !s.runState.TryAcquire("reset") {
		return errors.NewBusyError("cannot reset while an action is being processed")
	}
	defer s.runState.Release()

	id := s.store.SessionID()
	s.store.Replace(s.seed(id))
	s.runState.Reset()
	s.events.Append(models.EventSystemMessage, "", map[string]interface{}{
		"kind":    "session_reset",
		"content": "The session was reset.",
	})
	s.logger.Info("session reset", map[string]interface{}{"session_id": id})
	return nil
}

// State 当前状态的深拷贝
func (s *SessionService) State() *models.SessionState {
	return s.store.Snapshot()
}

// Events 事件日志
func (s *SessionService) Events() *EventLog {
	return s.events
}

// RunStats 闸门统计
func (s *SessionService) RunStats() RunStateStats {
	return s.runState.Stats()
}

// SessionID 当前会话ID
func (s *SessionService) SessionID() string {
	return s.store.SessionID()
}
