// internal/services/action_handlers.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/dice"
	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
)

// ActionHandler 处理一种动作。调用时闸门已被持有
type ActionHandler interface {
	Handle(ctx context.Context, turn *Turn) error
}

// PlayerActionHandler 玩家输入
type PlayerActionHandler struct {
	p *TurnPipeline
}

func NewPlayerActionHandler(p *TurnPipeline) *PlayerActionHandler {
	return &PlayerActionHandler{p: p}
}

func (h *PlayerActionHandler) Handle(ctx context.Context, turn *Turn) error {
	text := strings.TrimSpace(turn.Action.Text)
	if text == "" {
		return errors.NewValidationError("player action text is required", nil)
	}

	actor := turn.Action.ActorID
	err := h.p.mutate(turn.CorrelationID, func(state *models.SessionState) ([]pendingEvent, error) {
		if actor != "" {
			if _, ok := state.Party[actor]; !ok {
				return nil, errors.NewValidationError(fmt.Sprintf("unknown actor %q", actor), nil)
			}
		}
		_, ev := recordChat(state, models.RolePlayer, actor, text, "", turn.CorrelationID)
		return []pendingEvent{ev}, nil
	})
	if err != nil {
		return err
	}

	rc := h.p.buildRequest(turn, models.RequestPlayerAction, actor, "", 0)
	return h.p.run(ctx, turn, rc)
}

// NextStepHandler 无需玩家输入的推进
type NextStepHandler struct {
	p *TurnPipeline
}

func NewNextStepHandler(p *TurnPipeline) *NextStepHandler {
	return &NextStepHandler{p: p}
}

func (h *NextStepHandler) Handle(ctx context.Context, turn *Turn) error {
	input := advancePrompt
	if hint := strings.TrimSpace(turn.Action.Text); hint != "" {
		input = advancePrompt + " Player hint: " + hint
	}
	rc := h.p.buildRequest(turn, models.RequestAdvance, turn.Action.ActorID, input, 0)
	return h.p.run(ctx, turn, rc)
}

// RetryHandler 原样重发最近一次失败的请求上下文
type RetryHandler struct {
	p *TurnPipeline
}

func NewRetryHandler(p *TurnPipeline) *RetryHandler {
	return &RetryHandler{p: p}
}

func (h *RetryHandler) Handle(ctx context.Context, turn *Turn) error {
	rc, err := h.p.runState.LastRequest(h.p.opts.RetryMaxAge)
	if err != nil {
		return err
	}
	if id := turn.Action.RequestID; id != "" && id != rc.ID {
		return errors.NewRetryContextStaleError(fmt.Sprintf("request %s is no longer the stored request context", id))
	}
	h.p.logger.Info("retrying stored request", map[string]interface{}{
		"correlation_id": turn.CorrelationID,
		"request_id":     rc.ID,
		"kind":           rc.Kind,
		"depth":          rc.Depth,
	})
	return h.p.run(ctx, turn, rc)
}

// DiceSubmissionHandler 核对投骰结果；来源请求的骰子全部完成后再次调用引擎
type DiceSubmissionHandler struct {
	p *TurnPipeline
}

func NewDiceSubmissionHandler(p *TurnPipeline) *DiceSubmissionHandler {
	return &DiceSubmissionHandler{p: p}
}

type reconciledRoll struct {
	request models.DiceRequest
	result  models.DiceResult
}

func (h *DiceSubmissionHandler) Handle(ctx context.Context, turn *Turn) error {
	subs := turn.Action.Dice
	if len(subs) == 0 {
		return errors.NewValidationError("no dice submitted", nil)
	}

	followUp := false
	err := h.p.mutate(turn.CorrelationID, func(state *models.SessionState) ([]pendingEvent, error) {
		// 先全部校验，任何一个不匹配都不修改状态
		rolls := make([]reconciledRoll, 0, len(subs))
		seen := make(map[string]bool, len(subs))
		for _, sub := range subs {
			if seen[sub.RequestID] {
				return nil, errors.NewValidationError(fmt.Sprintf("dice request %s submitted twice", sub.RequestID), nil)
			}
			seen[sub.RequestID] = true

			req, ok := state.PendingDiceByID(sub.RequestID)
			if !ok {
				return nil, errors.NewUnknownDiceRequestError(sub.RequestID)
			}
			res, err := reconcile(req, sub)
			if err != nil {
				return nil, err
			}
			rolls = append(rolls, reconciledRoll{request: req, result: res})
		}

		var evs []pendingEvent
		origins := make(map[string]bool)
		for _, r := range rolls {
			_, chatEv := recordChat(state, models.RoleDice, firstTarget(r.request), r.result.Summary, "", turn.CorrelationID)
			evs = append(evs, chatEv, pendingEvent{typ: models.EventDiceResolved, payload: resultPayload(r.result)})
			origins[r.request.RequestContextID] = true
		}

		// 每个提交只消耗一条同ID的请求
		remaining := state.PendingDice[:0]
		for _, req := range state.PendingDice {
			if seen[req.ID] {
				delete(seen, req.ID)
				continue
			}
			remaining = append(remaining, req)
		}
		state.PendingDice = remaining

		for origin := range origins {
			if !hasPendingFrom(state, origin) {
				followUp = true
			}
		}
		return evs, nil
	})
	if err != nil || !followUp {
		return err
	}

	rc := h.p.buildRequest(turn, models.RequestDiceFollowUp, turn.Action.ActorID, diceFollowUpPrompt, 0)
	return h.p.run(ctx, turn, rc)
}

func reconcile(req models.DiceRequest, sub models.DiceSubmission) (models.DiceResult, error) {
	f, err := dice.Parse(req.Formula)
	if err != nil {
		return models.DiceResult{}, errors.NewValidationError("pending dice request has an invalid formula", err)
	}
	o, err := dice.Reconcile(f, sub.Rolls, req.DC)
	if err != nil {
		return models.DiceResult{}, errors.NewValidationError(fmt.Sprintf("rolls for %s do not match %s", req.ID, req.Formula), err)
	}
	return models.DiceResult{
		RequestID: req.ID,
		Formula:   req.Formula,
		Purpose:   req.Purpose,
		Rolls:     o.Rolls,
		Modifier:  o.Modifier,
		Total:     o.Total,
		DC:        req.DC,
		Success:   o.Success,
		Summary:   describeRoll(req, dice.Summary(f, o, req.DC)),
	}, nil
}

func describeRoll(req models.DiceRequest, summary string) string {
	if req.Purpose == "" {
		return summary
	}
	return req.Purpose + ": " + summary
}

func firstTarget(req models.DiceRequest) string {
	if len(req.TargetIDs) > 0 {
		return req.TargetIDs[0]
	}
	return ""
}

func hasPendingFrom(state *models.SessionState, requestContextID string) bool {
	for _, req := range state.PendingDice {
		if req.RequestContextID == requestContextID {
			return true
		}
	}
	return false
}

func resultPayload(r models.DiceResult) map[string]interface{} {
	payload := map[string]interface{}{
		"request_id": r.RequestID,
		"formula":    r.Formula,
		"rolls":      r.Rolls,
		"modifier":   r.Modifier,
		"total":      r.Total,
		"summary":    r.Summary,
		"resolved":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.DC != nil {
		payload["dc"] = *r.DC
	}
	if r.Success != nil {
		payload["success"] = *r.Success
	}
	return payload
}
