// internal/services/run_state.go
package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
)

// RunStateManager 共享运行状态：处理闸门 + 最近一次请求上下文
//
// 闸门是权重为1的信号量，阻塞获取按先到先得排队；TryAcquire 在有人排队时
// 也会失败，保证排队者不被插队。
type RunStateManager struct {
	gate         *semaphore.Weighted
	aiProcessing atomic.Bool

	mu          sync.RWMutex
	holder      string
	inFlightID  string
	lastRequest *storedRequest

	acquired atomic.Int64
	released atomic.Int64
	rejected atomic.Int64
}

type storedRequest struct {
	ctx      *models.RequestContext
	storedAt time.Time
}

// RunStateStats 闸门统计
type RunStateStats struct {
	Processing bool   `json:"processing"`
	Holder     string `json:"holder,omitempty"`
	InFlightID string `json:"in_flight_request_id,omitempty"`
	LastID     string `json:"last_request_id,omitempty"`
	Acquired   int64  `json:"acquired"`
	Released   int64  `json:"released"`
	Rejected   int64  `json:"rejected"`
}

// NewRunStateManager 创建运行状态管理器
func NewRunStateManager() *RunStateManager {
	return &RunStateManager{gate: semaphore.NewWeighted(1)}
}

// TryAcquire 非阻塞获取闸门
func (rs *RunStateManager) TryAcquire(holder string) bool {
	if !rs.gate.TryAcquire(1) {
		rs.rejected.Add(1)
		return false
	}
	rs.onAcquired(holder)
	return true
}

// Acquire 阻塞获取闸门，直到成功或 ctx 结束
func (rs *RunStateManager) Acquire(ctx context.Context, holder string) error {
	if err := rs.gate.Acquire(ctx, 1); err != nil {
		rs.rejected.Add(1)
		return errors.NewBusyError("gave up waiting for the backend: " + err.Error())
	}
	rs.onAcquired(holder)
	return nil
}

func (rs *RunStateManager) onAcquired(holder string) {
	rs.mu.Lock()
	rs.holder = holder
	rs.mu.Unlock()
	rs.aiProcessing.Store(true)
	rs.acquired.Add(1)
}

// Release 释放闸门，必须与一次成功的获取配对
func (rs *RunStateManager) Release() {
	rs.mu.Lock()
	rs.holder = ""
	rs.inFlightID = ""
	rs.mu.Unlock()
	rs.aiProcessing.Store(false)
	rs.released.Add(1)
	rs.gate.Release(1)
}

// IsProcessing 对应 ai_processing 标志
func (rs *RunStateManager) IsProcessing() bool {
	return rs.aiProcessing.Load()
}

// StoreRequest 在调用引擎前保存请求上下文，并标记为进行中
func (rs *RunStateManager) StoreRequest(rc *models.RequestContext) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.lastRequest = &storedRequest{ctx: rc, storedAt: time.Now()}
	rs.inFlightID = rc.ID
}

// ClearRequest 引擎调用成功后清除上下文
func (rs *RunStateManager) ClearRequest() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.lastRequest = nil
}

// LastRequest 返回仍可重试的请求上下文
func (rs *RunStateManager) LastRequest(maxAge time.Duration) (*models.RequestContext, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.lastRequest == nil {
		return nil, errors.NewNothingToRetryError()
	}
	if maxAge > 0 {
		if age := time.Since(rs.lastRequest.storedAt); age > maxAge {
			return nil, errors.NewRetryContextStaleError(
				"stored request context is " + age.Round(time.Second).String() + " old")
		}
	}
	return rs.lastRequest.ctx, nil
}

// InFlightRequestID 当前正在引擎中处理的请求上下文ID
func (rs *RunStateManager) InFlightRequestID() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.inFlightID
}

// LastRequestID 已保存的请求上下文ID，没有时为空
func (rs *RunStateManager) LastRequestID() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.lastRequest == nil {
		return ""
	}
	return rs.lastRequest.ctx.ID
}

// Targets 报告 requestID 是否指向进行中或已保存的请求上下文
func (rs *RunStateManager) Targets(requestID string) bool {
	if requestID == "" {
		return false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.inFlightID == requestID {
		return true
	}
	return rs.lastRequest != nil && rs.lastRequest.ctx.ID == requestID
}

// Reset 清除保存的请求上下文，用于会话重置
func (rs *RunStateManager) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.lastRequest = nil
	rs.inFlightID = ""
}

// Stats 返回闸门统计
func (rs *RunStateManager) Stats() RunStateStats {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	s := RunStateStats{
		Processing: rs.aiProcessing.Load(),
		Holder:     rs.holder,
		InFlightID: rs.inFlightID,
		Acquired:   rs.acquired.Load(),
		Released:   rs.released.Load(),
		Rejected:   rs.rejected.Load(),
	}
	if rs.lastRequest != nil {
		s.LastID = rs.lastRequest.ctx.ID
	}
	return s
}
