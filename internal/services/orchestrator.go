// internal/services/orchestrator.go
package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// Orchestrator 把动作路由到处理器，负责闸门的获取与释放
type Orchestrator struct {
	pipeline     *TurnPipeline
	handlers     map[models.ActionType]ActionHandler
	chatTailSize int
	metrics      *utils.GameMetrics
	logger       *utils.Logger
}

// NewOrchestrator 注册四种动作处理器
func NewOrchestrator(pipeline *TurnPipeline, chatTailSize int, metrics *utils.GameMetrics) *Orchestrator {
	if chatTailSize <= 0 {
		chatTailSize = 20
	}
	return &Orchestrator{
		pipeline: pipeline,
		handlers: map[models.ActionType]ActionHandler{
			models.ActionPlayer:         NewPlayerActionHandler(pipeline),
			models.ActionDiceSubmission: NewDiceSubmissionHandler(pipeline),
			models.ActionAdvance:        NewNextStepHandler(pipeline),
			models.ActionRetry:          NewRetryHandler(pipeline),
		},
		chatTailSize: chatTailSize,
		metrics:      metrics,
		logger:       utils.GetLogger(),
	}
}

// Pipeline 底层流水线
func (o *Orchestrator) Pipeline() *TurnPipeline {
	return o.pipeline
}

// Handle 处理一个动作，总是返回当前状态快照
func (o *Orchestrator) Handle(ctx context.Context, action models.Action) *models.ActionResponse {
	start := time.Now()
	turn := &Turn{CorrelationID: uuid.NewString(), Action: action}

	handler, ok := o.handlers[action.Type]
	if !ok {
		return o.respond(turn, errors.NewValidationError(fmt.Sprintf("unknown action type %q", action.Type), nil))
	}

	if err := o.acquire(ctx, action); err != nil {
		if o.metrics != nil {
			o.metrics.RecordBusyRejection(string(action.Type))
		}
		return o.respond(turn, err)
	}

	// 客户端断开不取消进行中的引擎调用，只受引擎超时约束
	err := o.invoke(context.WithoutCancel(ctx), handler, turn)

	if o.metrics != nil {
		o.metrics.RecordAction(string(action.Type), err == nil, time.Since(start))
	}
	o.logger.Info("action handled", map[string]interface{}{
		"correlation_id": turn.CorrelationID,
		"action":         action.Type,
		"engine_calls":   turn.EngineCalls,
		"forced_end":     turn.ForcedEnd,
		"error_kind":     errors.Kind(err),
		"elapsed":        utils.Since(start),
	})
	return o.respond(turn, err)
}

// acquire 投骰和重试指向进行中或已保存的请求时排队等待，其余动作在闸门被占用时直接失败
func (o *Orchestrator) acquire(ctx context.Context, action models.Action) error {
	rs := o.pipeline.runState
	holder := string(action.Type)
	if action.Type == models.ActionDiceSubmission || action.Type == models.ActionRetry {
		if rs.Targets(o.targetRequestID(action)) {
			return rs.Acquire(ctx, holder)
		}
	}
	if !rs.TryAcquire(holder) {
		return errors.NewBusyError("the narrative engine is busy with another action")
	}
	return nil
}

// targetRequestID 动作指向的请求上下文；投骰未指定时取第一个挂起请求的来源
func (o *Orchestrator) targetRequestID(action models.Action) string {
	if action.RequestID != "" || action.Type != models.ActionDiceSubmission || len(action.Dice) == 0 {
		return action.RequestID
	}
	var id string
	o.pipeline.store.View(func(state *models.SessionState) {
		if req, ok := state.PendingDiceByID(action.Dice[0].RequestID); ok {
			id = req.RequestContextID
		}
	})
	return id
}

// invoke 在持有闸门时执行处理器；任何退出路径（包括 panic）都会释放闸门
func (o *Orchestrator) invoke(ctx context.Context, handler ActionHandler, turn *Turn) (err error) {
	p := o.pipeline
	p.events.Append(models.EventBackendBusy, turn.CorrelationID, map[string]interface{}{"action": string(turn.Action.Type)})
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("action handler panicked", map[string]interface{}{
				"correlation_id": turn.CorrelationID,
				"panic":          fmt.Sprint(r),
				"stack":          string(debug.Stack()),
			})
			err = errors.NewInternalError(fmt.Sprintf("action handler panicked: %v", r), nil)
		}
		_ = p.store.Mutate(func(state *models.SessionState) error {
			state.Counters.Actions++
			return nil
		})
		p.events.Append(models.EventBackendIdle, turn.CorrelationID, map[string]interface{}{"action": string(turn.Action.Type)})
		p.runState.Release()
	}()
	return handler.Handle(ctx, turn)
}

// respond 组装响应快照
func (o *Orchestrator) respond(turn *Turn, err error) *models.ActionResponse {
	p := o.pipeline
	resp := &models.ActionResponse{
		Success:       err == nil,
		CorrelationID: turn.CorrelationID,
		Warnings:      turn.Warnings,
	}
	p.store.View(func(state *models.SessionState) {
		snap := state.Clone()
		resp.Party = snap.Party
		resp.Location = snap.Location
		resp.ChatTail = snap.ChatTail(o.chatTailSize)
		resp.PendingDice = snap.PendingDice
		resp.Combat = snap.Combat.Summary()
	})
	resp.LastSeq = p.events.LastSeq()
	if err != nil {
		resp.Error = &models.ErrorInfo{Kind: string(errors.Kind(err)), Message: err.Error()}
		resp.CanRetry = errors.Retryable(err) && p.runState.LastRequestID() != ""
	}
	return resp
}
