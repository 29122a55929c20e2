// internal/services/session_store.go
package services

import (
	"sync"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/models"
)

// SessionStore 持有唯一活动会话的内存状态
type SessionStore struct {
	mu    sync.RWMutex
	state *models.SessionState
}

// NewSessionStore 创建会话存储
func NewSessionStore(initial *models.SessionState) *SessionStore {
	if initial == nil {
		initial = models.NewSessionState("default")
	}
	return &SessionStore{state: initial}
}

// Mutate 是唯一的写入路径；fn 作用于副本，返回错误时状态保持不变
func (s *SessionStore) Mutate(fn func(state *models.SessionState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft := s.state.Clone()
	if err := fn(draft); err != nil {
		return err
	}
	draft.UpdatedAt = time.Now()
	s.state = draft
	return nil
}

// View 在读锁下访问状态，fn 不得保留引用
func (s *SessionStore) View(fn func(state *models.SessionState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}

// Snapshot 返回深拷贝
func (s *SessionStore) Snapshot() *models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Replace 用加载的状态替换当前会话
func (s *SessionStore) Replace(state *models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// SessionID 当前会话ID
func (s *SessionStore) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SessionID
}

// HasTarget 报告ID是否为队伍成员或当前战斗参与者
func (s *SessionStore) HasTarget(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasTarget(s.state, id)
}

func hasTarget(state *models.SessionState, id string) bool {
	if _, ok := state.Party[id]; ok {
		return true
	}
	return state.Combat.IsActive && state.Combat.Find(id) != nil
}
