// internal/services/turn_pipeline.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

const (
	continuationPrompt = "(continue) Resolve the next automatic step without new player input."
	advancePrompt      = "(advance) No new player input. Continue the story."
	diceFollowUpPrompt = "(dice) The requested rolls are in. Resolve their outcome."
)

// PipelineOptions 回合流水线参数
type PipelineOptions struct {
	Mode                 ResponseMode
	MaxContinuationDepth int
	RetryMaxAge          time.Duration
	AutoEndCombat        bool
}

// Turn 一个动作在流水线中的处理记录
type Turn struct {
	CorrelationID string
	Action        models.Action
	Warnings      []string
	EngineCalls   int
	ForcedEnd     bool
}

func (t *Turn) warn(msgs ...string) {
	t.Warnings = append(t.Warnings, msgs...)
}

// pendingEvent 在状态锁内收集、锁外追加的事件
type pendingEvent struct {
	typ     models.EventType
	payload map[string]interface{}
}

// stepOutcome 一次引擎调用被应用后的结果
type stepOutcome struct {
	continueTurn bool
	nextPrompt   string
}

// TurnPipeline 各处理器共用的 构建请求 -> 调用引擎 -> 解析 -> 应用 -> 发事件 流程
//
// 调用方必须持有运行状态闸门。
type TurnPipeline struct {
	store       *SessionStore
	events      *EventLog
	runState    *RunStateManager
	engine      NarrativeEngine
	interpreter *ResponseInterpreter
	updaters    *StateUpdaters
	combat      *CombatMachine
	builder     *ContextBuilder
	narration   *NarrationQueue
	metrics     *utils.GameMetrics
	opts        PipelineOptions
	logger      *utils.Logger
}

// PipelineDeps 流水线依赖
type PipelineDeps struct {
	Store       *SessionStore
	Events      *EventLog
	RunState    *RunStateManager
	Engine      NarrativeEngine
	Interpreter *ResponseInterpreter
	Updaters    *StateUpdaters
	Combat      *CombatMachine
	Builder     *ContextBuilder
	Narration   *NarrationQueue
	Metrics     *utils.GameMetrics
}

// NewTurnPipeline 创建流水线
func NewTurnPipeline(deps PipelineDeps, opts PipelineOptions) *TurnPipeline {
	if opts.MaxContinuationDepth <= 0 {
		opts.MaxContinuationDepth = 20
	}
	if opts.Mode == "" {
		opts.Mode = ModeFlexible
	}
	if deps.Interpreter == nil {
		deps.Interpreter = NewResponseInterpreter()
	}
	if deps.Combat == nil {
		deps.Combat = NewCombatMachine()
	}
	if deps.Updaters == nil {
		deps.Updaters = NewStateUpdaters(deps.Combat, false)
	}
	if deps.Builder == nil {
		deps.Builder = NewContextBuilder(12, nil, 0)
	}
	return &TurnPipeline{
		store:       deps.Store,
		events:      deps.Events,
		runState:    deps.RunState,
		engine:      deps.Engine,
		interpreter: deps.Interpreter,
		updaters:    deps.Updaters,
		combat:      deps.Combat,
		builder:     deps.Builder,
		narration:   deps.Narration,
		metrics:     deps.Metrics,
		opts:        opts,
		logger:      utils.GetLogger(),
	}
}

// Options 当前参数
func (p *TurnPipeline) Options() PipelineOptions {
	return p.opts
}

// mutate 在状态锁内执行 fn，成功后在锁外按顺序追加收集到的事件。
// fn 出错时修改整体作废，事件一并丢弃。
func (p *TurnPipeline) mutate(correlationID string, fn func(state *models.SessionState) ([]pendingEvent, error)) error {
	var evs []pendingEvent
	err := p.store.Mutate(func(state *models.SessionState) error {
		var ferr error
		evs, ferr = fn(state)
		return ferr
	})
	if err != nil {
		return err
	}
	for _, ev := range evs {
		p.events.Append(ev.typ, correlationID, ev.payload)
	}
	return nil
}

// recordChat 追加聊天消息并返回对应事件
func recordChat(state *models.SessionState, role models.ChatRole, speakerID, content, reasoning, correlationID string) (models.ChatMessage, pendingEvent) {
	msg := models.ChatMessage{
		ID:            ulid.Make().String(),
		Role:          role,
		SpeakerID:     speakerID,
		Content:       content,
		Reasoning:     reasoning,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
	state.ChatHistory = append(state.ChatHistory, msg)
	return msg, pendingEvent{typ: models.EventChatMessage, payload: chatPayload(msg)}
}

func chatPayload(msg models.ChatMessage) map[string]interface{} {
	payload := map[string]interface{}{
		"message_id": msg.ID,
		"role":       string(msg.Role),
		"content":    msg.Content,
	}
	if msg.SpeakerID != "" {
		payload["speaker_id"] = msg.SpeakerID
	}
	if msg.Reasoning != "" {
		payload["reasoning"] = msg.Reasoning
	}
	return payload
}

// buildRequest 在读锁下构建请求上下文
func (p *TurnPipeline) buildRequest(turn *Turn, kind models.RequestKind, actorID, input string, depth int) *models.RequestContext {
	var rc *models.RequestContext
	p.store.View(func(state *models.SessionState) {
		rc = p.builder.Build(state, kind, turn.CorrelationID, actorID, input, depth)
	})
	return rc
}

// run 从 rc 开始执行有界的自动续写循环
func (p *TurnPipeline) run(ctx context.Context, turn *Turn, rc *models.RequestContext) error {
	for {
		interp, err := p.callEngine(ctx, turn, rc)
		if err != nil {
			return err
		}
		outcome, err := p.apply(turn, rc, interp)
		if err != nil {
			return err
		}
		if !outcome.continueTurn {
			return nil
		}

		next := rc.Depth + 1
		if next > p.opts.MaxContinuationDepth {
			p.forceEndTurn(turn, rc.Depth)
			return nil
		}
		rc = p.buildRequest(turn, models.RequestContinuation, "", outcome.nextPrompt, next)
	}
}

// callEngine RequestBuilt -> EngineCalled -> ParsedOK | ParseFailed | EngineCallFailed
func (p *TurnPipeline) callEngine(ctx context.Context, turn *Turn, rc *models.RequestContext) (*Interpretation, error) {
	p.runState.StoreRequest(rc)
	turn.EngineCalls++
	_ = p.store.Mutate(func(state *models.SessionState) error {
		state.Counters.EngineCalls++
		return nil
	})

	raw, err := p.engine.Generate(ctx, rc)
	if err != nil {
		p.reportFailure(turn, rc, err)
		return nil, err
	}

	interp, err := p.interpreter.Interpret(raw, p.opts.Mode, p.store)
	if err != nil {
		p.reportFailure(turn, rc, err)
		return nil, err
	}

	p.runState.ClearRequest()
	turn.warn(interp.Warnings...)
	for _, w := range interp.Warnings {
		p.logger.Warn("engine output adjusted", map[string]interface{}{
			"correlation_id": turn.CorrelationID,
			"request_id":     rc.ID,
			"warning":        w,
		})
	}
	return interp, nil
}

// reportFailure 保留请求上下文以便重试，并发出错误事件
func (p *TurnPipeline) reportFailure(turn *Turn, rc *models.RequestContext, err error) {
	kind := errors.Kind(err)
	p.events.Append(models.EventError, turn.CorrelationID, map[string]interface{}{
		"kind":       string(kind),
		"message":    err.Error(),
		"request_id": rc.ID,
		"can_retry":  errors.Retryable(err),
	})
	p.logger.Error("turn step failed", map[string]interface{}{
		"correlation_id": turn.CorrelationID,
		"request_id":     rc.ID,
		"kind":           kind,
		"depth":          rc.Depth,
		"err":            err.Error(),
	})
}

// apply ParsedOK -> UpdatesApplied -> EventsEmitted
func (p *TurnPipeline) apply(turn *Turn, rc *models.RequestContext, interp *Interpretation) (stepOutcome, error) {
	var (
		outcome stepOutcome
		applied int
	)
	err := p.mutate(turn.CorrelationID, func(state *models.SessionState) ([]pendingEvent, error) {
		var evs []pendingEvent
		if interp.Narrative != "" {
			_, ev := recordChat(state, models.RoleNarrator, "", interp.Narrative, interp.Reasoning, turn.CorrelationID)
			evs = append(evs, ev)
		}

		state.Counters.UpdatesDropped += interp.DroppedUpdates
		for _, u := range interp.Updates {
			changes, err := p.updaters.Apply(state, u)
			if err != nil {
				return evs, err
			}
			if len(changes) > 0 {
				applied++
				state.Counters.UpdatesApplied++
			}
			for _, c := range changes {
				evs = append(evs, pendingEvent{typ: c.Event, payload: c.Payload})
			}
		}

		now := time.Now()
		for _, req := range interp.DiceRequests {
			// 骰子请求ID在待处理集合内必须唯一
			if _, taken := state.PendingDiceByID(req.ID); taken {
				fresh := uuid.NewString()
				turn.warn(fmt.Sprintf("dice request id %q already pending, reassigned to %s", req.ID, fresh))
				req.ID = fresh
			}
			req.RequestContextID = rc.ID
			req.CreatedAt = now
			state.PendingDice = append(state.PendingDice, req)
			evs = append(evs, pendingEvent{typ: models.EventDiceRequested, payload: dicePayload(req)})
		}

		if p.opts.AutoEndCombat && p.combat.HostilesDefeated(state) {
			change, err := p.combat.End(state, "hostiles_defeated")
			if err == nil {
				evs = append(evs, pendingEvent{typ: change.Event, payload: change.Payload})
			}
		}

		allDefeated := false
		if state.Combat.IsActive && interp.EndTurn {
			adv, change, err := p.combat.AdvanceTurn(state)
			if err != nil {
				return evs, err
			}
			evs = append(evs, pendingEvent{typ: change.Event, payload: change.Payload})
			allDefeated = adv.AllDefeated
		}
		// 新回合（开战、换人）尚未开始时，NPC 回合自动续写
		turnStarting := state.Combat.IsActive && state.Combat.Phase == models.PhaseAwaitingTurnStart && !allDefeated
		cur, ev := p.beginTurn(state, turn.CorrelationID)
		evs = append(evs, ev...)

		switch {
		case len(interp.DiceRequests) > 0:
			// 等待玩家投骰
		case turnStarting && cur != nil && !cur.IsPlayerControlled && !cur.IsDefeated():
			outcome.continueTurn = true
			outcome.nextPrompt = fmt.Sprintf("(continue) It is now %s's turn (id %s, not player controlled). Narrate what they do.", cur.Name, cur.ID)
		case interp.AutoContinue:
			outcome.continueTurn = true
			outcome.nextPrompt = continuationPrompt
		}
		return evs, nil
	})

	if p.metrics != nil {
		p.metrics.RecordUpdates(applied, interp.DroppedUpdates)
	}
	if err == nil && p.narration != nil && interp.Narrative != "" {
		p.narration.Enqueue(turn.CorrelationID, interp.Narrative)
	}
	return outcome, err
}

// beginTurn 开始当前参与者的回合；玩家回合的行动提示每回合只发一次
func (p *TurnPipeline) beginTurn(state *models.SessionState, correlationID string) (*models.Combatant, []pendingEvent) {
	if !state.Combat.IsActive {
		return nil, nil
	}
	cur := p.combat.BeginTurn(state)
	if cur == nil || !cur.IsPlayerControlled || state.Combat.TurnInstructionIssued {
		return cur, nil
	}
	state.Combat.TurnInstructionIssued = true
	_, ev := recordChat(state, models.RoleSystem, cur.ID,
		fmt.Sprintf("Round %d: it is %s's turn. You may act.", state.Combat.RoundNumber, cur.Name), "", correlationID)
	return cur, []pendingEvent{ev}
}

// forceEndTurn 续写超过深度上限：结束当前回合，把控制权交回玩家
func (p *TurnPipeline) forceEndTurn(turn *Turn, depth int) {
	turn.ForcedEnd = true
	turn.warn(fmt.Sprintf("automatic continuation stopped after %d steps", depth))

	_ = p.mutate(turn.CorrelationID, func(state *models.SessionState) ([]pendingEvent, error) {
		var evs []pendingEvent
		if state.Combat.IsActive {
			for i := 0; i < len(state.Combat.Combatants); i++ {
				adv, change, err := p.combat.AdvanceTurn(state)
				if err != nil {
					break
				}
				evs = append(evs, pendingEvent{typ: change.Event, payload: change.Payload})
				if adv.AllDefeated || (adv.Combatant.IsPlayerControlled && !adv.Combatant.IsDefeated()) {
					break
				}
			}
		}

		state.Counters.ForcedTurnEnds++
		msg, _ := recordChat(state, models.RoleSystem, "",
			fmt.Sprintf("The story advanced automatically %d times in a row, so the current turn was ended. Control returns to the players.", depth),
			"", turn.CorrelationID)
		payload := chatPayload(msg)
		payload["kind"] = string(errors.ErrorTypeContinuationDepthExceeded)
		payload["depth"] = depth
		evs = append(evs, pendingEvent{typ: models.EventSystemMessage, payload: payload})

		_, ev := p.beginTurn(state, turn.CorrelationID)
		return append(evs, ev...), nil
	})

	if p.metrics != nil {
		p.metrics.RecordForcedTurnEnd()
	}
	p.logger.Warn("continuation depth exceeded, turn ended", map[string]interface{}{
		"correlation_id": turn.CorrelationID,
		"depth":          depth,
	})
}

func dicePayload(req models.DiceRequest) map[string]interface{} {
	payload := map[string]interface{}{
		"request_id":         req.ID,
		"formula":            req.Formula,
		"purpose":            req.Purpose,
		"request_context_id": req.RequestContextID,
	}
	if req.DC != nil {
		payload["dc"] = *req.DC
	}
	if len(req.TargetIDs) > 0 {
		payload["targets"] = req.TargetIDs
	}
	return payload
}
