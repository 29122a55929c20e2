package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// engineStep 脚本化引擎的一次输出
type engineStep struct {
	text  string
	err   error
	panic bool
}

// scriptedEngine 按顺序返回预设输出，用完后重复最后一步
type scriptedEngine struct {
	mu    sync.Mutex
	steps []engineStep
	calls []*models.RequestContext
	// gate 非空时，第一次调用阻塞直到 gate 关闭
	gate chan struct{}
}

func (e *scriptedEngine) Generate(ctx context.Context, rc *models.RequestContext) (string, error) {
	e.mu.Lock()
	i := len(e.calls)
	e.calls = append(e.calls, rc)
	step := e.steps[min(i, len(e.steps)-1)]
	gate := e.gate
	e.mu.Unlock()

	if gate != nil && i == 0 {
		<-gate
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	if step.panic {
		panic("engine exploded")
	}
	return step.text, step.err
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *scriptedEngine) call(i int) *models.RequestContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[i]
}

type testGame struct {
	engine   *scriptedEngine
	store    *SessionStore
	events   *EventLog
	runState *RunStateManager
	orch     *Orchestrator
}

func newTestGame(t *testing.T, opts PipelineOptions, steps ...engineStep) *testGame {
	t.Helper()
	engine := &scriptedEngine{steps: steps}
	store := NewSessionStore(newTestSession())
	events := NewEventLog()
	runState := NewRunStateManager()
	combat := NewCombatMachine()
	if opts.MaxContinuationDepth == 0 {
		opts.MaxContinuationDepth = 20
	}
	if opts.RetryMaxAge == 0 {
		opts.RetryMaxAge = 5 * time.Minute
	}
	pipeline := NewTurnPipeline(PipelineDeps{
		Store:    store,
		Events:   events,
		RunState: runState,
		Engine:   engine,
		Updaters: NewStateUpdaters(combat, true),
		Combat:   combat,
		Builder:  NewContextBuilder(12, NewLoreIndex(), 3),
		Metrics:  utils.NewGameMetrics(utils.NewMetricsCollector()),
	}, opts)
	return &testGame{
		engine:   engine,
		store:    store,
		events:   events,
		runState: runState,
		orch:     NewOrchestrator(pipeline, 20, nil),
	}
}

func (g *testGame) eventsOf(typ models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range g.events.Since(0, 0) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (g *testGame) waitProcessing(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for g.runState.InFlightRequestID() == "" {
		if time.Now().After(deadline) {
			t.Fatal("等待引擎调用超时")
		}
		time.Sleep(time.Millisecond)
	}
}

func playerSays(text string) models.Action {
	return models.Action{Type: models.ActionPlayer, ActorID: "hero", Text: text}
}

// TestPlayerActionAppliesUpdatesInOrder 测试更新按返回顺序应用并按序发出事件
func TestPlayerActionAppliesUpdatesInOrder(t *testing.T) {
	g := newTestGame(t, PipelineOptions{}, engineStep{text: `Thinking about the trap.
{"narrative":"A dart grazes you, but you find a rope.","updates":[
 {"type":"hp_change","target":"hero","value":-3,"source":"dart trap"},
 {"type":"inventory_add","target":"hero","item":"Rope","quantity":1}]}`})

	resp := g.orch.Handle(context.Background(), playerSays("I open the chest"))
	if !resp.Success {
		t.Fatalf("动作应成功: %+v", resp.Error)
	}
	if resp.Party["hero"].CurrentHP != 7 {
		t.Fatalf("生命值应为7, 实际 %d", resp.Party["hero"].CurrentHP)
	}

	want := []models.EventType{
		models.EventBackendBusy,
		models.EventChatMessage,
		models.EventChatMessage,
		models.EventHPChanged,
		models.EventInventoryAdded,
		models.EventBackendIdle,
	}
	all := g.events.Since(0, 0)
	if len(all) != len(want) {
		t.Fatalf("事件数量应为 %d, 实际 %d: %+v", len(want), len(all), all)
	}
	for i, ev := range all {
		if ev.Type != want[i] {
			t.Fatalf("第%d个事件应为 %s, 实际 %s", i, want[i], ev.Type)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("序号应连续, 第%d个为 %d", i, ev.Seq)
		}
		if ev.CorrelationID != resp.CorrelationID {
			t.Fatalf("事件关联ID不一致: %s", ev.CorrelationID)
		}
	}
	if resp.LastSeq != 6 {
		t.Fatalf("响应中的最后序号应为6, 实际 %d", resp.LastSeq)
	}

	narrator := resp.ChatTail[len(resp.ChatTail)-1]
	if narrator.Role != models.RoleNarrator || narrator.Reasoning != "Thinking about the trap." {
		t.Fatalf("叙述消息不正确: %+v", narrator)
	}
	if g.runState.IsProcessing() {
		t.Fatal("处理结束后闸门应已释放")
	}
}

// TestContinuationDepthBounded 测试自动续写深度上限
func TestContinuationDepthBounded(t *testing.T) {
	steps := make([]engineStep, 0, 26)
	for i := 0; i < 25; i++ {
		steps = append(steps, engineStep{text: `{"narrative":"The NPCs keep moving.","continue":true}`})
	}
	steps = append(steps, engineStep{text: `{"narrative":"Quiet."}`})
	g := newTestGame(t, PipelineOptions{MaxContinuationDepth: 20}, steps...)

	resp := g.orch.Handle(context.Background(), playerSays("I wait"))
	if !resp.Success {
		t.Fatalf("超过深度不应视为失败: %+v", resp.Error)
	}
	// 初始调用 + 20 次续写
	if got := g.engine.callCount(); got != 21 {
		t.Fatalf("引擎应被调用21次, 实际 %d", got)
	}
	if last := g.engine.call(20); last.Depth != 20 || last.Kind != models.RequestContinuation {
		t.Fatalf("最后一次调用应为深度20的续写: %+v", last)
	}

	forced := 0
	for _, ev := range g.eventsOf(models.EventSystemMessage) {
		if ev.Payload["kind"] == string(errors.ErrorTypeContinuationDepthExceeded) {
			forced++
		}
	}
	if forced != 1 {
		t.Fatalf("应恰好有一个强制结束事件, 实际 %d", forced)
	}
	if g.store.Snapshot().Counters.ForcedTurnEnds != 1 {
		t.Fatal("强制结束计数应为1")
	}
	if g.runState.IsProcessing() {
		t.Fatal("控制权应交回玩家")
	}
	if len(resp.Warnings) == 0 {
		t.Fatal("响应应包含续写被截断的警告")
	}
}

// TestRetryAfterEngineFailureIsIdempotent 测试重试不会重复聊天事件
func TestRetryAfterEngineFailureIsIdempotent(t *testing.T) {
	g := newTestGame(t, PipelineOptions{},
		engineStep{err: errors.NewEngineError(errors.ErrorTypeEngineTransport, "connection reset", nil)},
		engineStep{text: `{"narrative":"The door creaks open."}`},
	)

	resp := g.orch.Handle(context.Background(), playerSays("I push the door"))
	if resp.Success || resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeEngineTransport) {
		t.Fatalf("应返回引擎传输错误: %+v", resp.Error)
	}
	if !resp.CanRetry {
		t.Fatal("引擎失败后应允许重试")
	}
	if len(resp.Party) != 2 {
		t.Fatal("失败时仍应返回状态快照")
	}
	if len(g.eventsOf(models.EventError)) != 1 {
		t.Fatal("应发出一个错误事件")
	}

	stored := g.runState.LastRequestID()
	resp = g.orch.Handle(context.Background(), models.Action{Type: models.ActionRetry, RequestID: stored})
	if !resp.Success {
		t.Fatalf("重试应成功: %+v", resp.Error)
	}
	if g.engine.call(1) != g.engine.call(0) {
		t.Fatal("重试应原样重发保存的请求上下文")
	}

	chats := g.eventsOf(models.EventChatMessage)
	if len(chats) != 2 {
		t.Fatalf("应只有玩家消息和一条叙述, 实际 %d 条", len(chats))
	}
	narratives := 0
	for _, msg := range g.store.Snapshot().ChatHistory {
		if msg.Role == models.RoleNarrator {
			narratives++
		}
	}
	if narratives != 1 {
		t.Fatalf("叙述应只出现一次, 实际 %d", narratives)
	}

	resp = g.orch.Handle(context.Background(), models.Action{Type: models.ActionRetry})
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeNothingToRetry) {
		t.Fatalf("成功后再次重试应返回 nothing_to_retry: %+v", resp.Error)
	}
}

// TestRetryRejectsStaleContext 测试过期的请求上下文
func TestRetryRejectsStaleContext(t *testing.T) {
	g := newTestGame(t, PipelineOptions{RetryMaxAge: time.Second},
		engineStep{err: errors.NewEngineError(errors.ErrorTypeEngineTimeout, "timed out", nil)},
	)
	g.orch.Handle(context.Background(), playerSays("hello"))

	g.runState.mu.Lock()
	g.runState.lastRequest.storedAt = time.Now().Add(-time.Minute)
	g.runState.mu.Unlock()

	resp := g.orch.Handle(context.Background(), models.Action{Type: models.ActionRetry})
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeRetryContextStale) {
		t.Fatalf("应返回 retry_context_stale: %+v", resp.Error)
	}
	if g.engine.callCount() != 1 {
		t.Fatal("过期的上下文不应重新发送")
	}
}

// TestBusyRejection 测试处理中拒绝新的动作
func TestBusyRejection(t *testing.T) {
	g := newTestGame(t, PipelineOptions{}, engineStep{text: `{"narrative":"Done."}`})
	g.engine.gate = make(chan struct{})

	done := make(chan *models.ActionResponse, 1)
	go func() {
		done <- g.orch.Handle(context.Background(), playerSays("I sneak"))
	}()
	g.waitProcessing(t)

	for _, action := range []models.Action{
		playerSays("me too"),
		{Type: models.ActionAdvance},
		{Type: models.ActionRetry, RequestID: "unrelated"},
	} {
		resp := g.orch.Handle(context.Background(), action)
		if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeBusy) {
			t.Fatalf("%s 应被拒绝为 busy: %+v", action.Type, resp.Error)
		}
		if resp.CanRetry {
			t.Fatal("busy 不应提示重试")
		}
	}

	close(g.engine.gate)
	if resp := <-done; !resp.Success {
		t.Fatalf("第一个动作应成功: %+v", resp.Error)
	}
	if got := g.engine.callCount(); got != 1 {
		t.Fatalf("被拒绝的动作不应调用引擎, 实际调用 %d 次", got)
	}
}

// TestRetryTargetingInFlightRequestWaits 测试指向进行中请求的重试排队等待
func TestRetryTargetingInFlightRequestWaits(t *testing.T) {
	g := newTestGame(t, PipelineOptions{},
		engineStep{err: errors.NewEngineError(errors.ErrorTypeEngineProvider, "overloaded", nil)},
		engineStep{text: `{"narrative":"Second time lucky."}`},
	)
	g.engine.gate = make(chan struct{})

	first := make(chan *models.ActionResponse, 1)
	go func() {
		first <- g.orch.Handle(context.Background(), playerSays("I cast a spell"))
	}()
	g.waitProcessing(t)
	inFlight := g.runState.InFlightRequestID()

	retried := make(chan *models.ActionResponse, 1)
	go func() {
		retried <- g.orch.Handle(context.Background(), models.Action{Type: models.ActionRetry, RequestID: inFlight})
	}()

	close(g.engine.gate)
	if resp := <-first; resp.Success {
		t.Fatal("第一次调用应失败")
	}
	resp := <-retried
	if !resp.Success {
		t.Fatalf("排队的重试应成功: %+v", resp.Error)
	}
	if g.engine.call(1).ID != inFlight {
		t.Fatal("重试应发送同一个请求上下文")
	}
}

// TestDiceFollowUpAfterAllResolved 测试全部骰子结算后才再次调用引擎
func TestDiceFollowUpAfterAllResolved(t *testing.T) {
	g := newTestGame(t, PipelineOptions{},
		engineStep{text: `{"narrative":"Roll for it.","dice_requests":[
			{"id":"d1","formula":"1d20+3","purpose":"Stealth","dc":15,"targets":["hero"]},
			{"id":"d2","formula":"1d6","purpose":"Damage"}]}`},
		engineStep{text: `{"narrative":"You slip past and strike."}`},
	)

	resp := g.orch.Handle(context.Background(), playerSays("I sneak past the guard"))
	if len(resp.PendingDice) != 2 {
		t.Fatalf("应有两个挂起的骰子请求, 实际 %d", len(resp.PendingDice))
	}
	origin := resp.PendingDice[0].RequestContextID
	if origin == "" || resp.PendingDice[1].RequestContextID != origin {
		t.Fatal("骰子请求应记录来源请求上下文")
	}

	resp = g.orch.Handle(context.Background(), models.Action{
		Type: models.ActionDiceSubmission,
		Dice: []models.DiceSubmission{{RequestID: "d1", Rolls: []int{14}}},
	})
	if !resp.Success {
		t.Fatalf("提交骰子失败: %+v", resp.Error)
	}
	if g.engine.callCount() != 1 {
		t.Fatal("还有未结算的骰子时不应调用引擎")
	}
	last := resp.ChatTail[len(resp.ChatTail)-1]
	if last.Role != models.RoleDice || !strings.Contains(last.Content, "= 17") || !strings.Contains(last.Content, "success") {
		t.Fatalf("骰子结果消息不正确: %q", last.Content)
	}

	resp = g.orch.Handle(context.Background(), models.Action{
		Type: models.ActionDiceSubmission,
		Dice: []models.DiceSubmission{{RequestID: "d2", Rolls: []int{4}}},
	})
	if !resp.Success || len(resp.PendingDice) != 0 {
		t.Fatalf("全部骰子结算后应无挂起请求: %+v", resp)
	}
	if g.engine.callCount() != 2 || g.engine.call(1).Kind != models.RequestDiceFollowUp {
		t.Fatal("全部骰子结算后应以 dice_follow_up 再次调用引擎")
	}
	if n := len(g.eventsOf(models.EventDiceResolved)); n != 2 {
		t.Fatalf("应有两个 dice_resolved 事件, 实际 %d", n)
	}
}

// TestUnknownDiceRequestIsAllOrNothing 测试任一提交不匹配时不修改状态
func TestUnknownDiceRequestIsAllOrNothing(t *testing.T) {
	g := newTestGame(t, PipelineOptions{},
		engineStep{text: `{"narrative":"Roll.","dice_requests":[{"id":"d1","formula":"1d20"}]}`},
	)
	g.orch.Handle(context.Background(), playerSays("I climb"))
	seqBefore := g.events.LastSeq()

	resp := g.orch.Handle(context.Background(), models.Action{
		Type: models.ActionDiceSubmission,
		Dice: []models.DiceSubmission{
			{RequestID: "d1", Rolls: []int{12}},
			{RequestID: "bogus", Rolls: []int{3}},
		},
	})
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeUnknownDiceRequest) {
		t.Fatalf("应返回 unknown_dice_request: %+v", resp.Error)
	}
	if len(resp.PendingDice) != 1 {
		t.Fatal("挂起的骰子请求不应被清除")
	}
	for _, ev := range g.events.Since(seqBefore, 0) {
		if ev.Type == models.EventDiceResolved || ev.Type == models.EventChatMessage {
			t.Fatalf("失败的提交不应产生 %s 事件", ev.Type)
		}
	}

	resp = g.orch.Handle(context.Background(), models.Action{
		Type: models.ActionDiceSubmission,
		Dice: []models.DiceSubmission{{RequestID: "d1", Rolls: []int{25}}},
	})
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeValidation) {
		t.Fatalf("超出骰面的结果应校验失败: %+v", resp.Error)
	}
}

// TestNPCTurnContinuesAutomatically 测试NPC回合自动推进并只发一次行动提示
func TestNPCTurnContinuesAutomatically(t *testing.T) {
	g := newTestGame(t, PipelineOptions{AutoEndCombat: true},
		engineStep{text: `{"narrative":"A goblin leaps out!","updates":[{"type":"combat_start","combatants":[
			{"id":"hero","name":"Aria","initiative":10},
			{"id":"goblin","name":"Goblin","initiative":15,"hp":7,"max_hp":7}]}]}`},
		engineStep{text: `{"narrative":"The goblin slashes you.","updates":[{"type":"hp_change","target":"hero","value":-2}],"end_turn":true}`},
	)

	resp := g.orch.Handle(context.Background(), playerSays("I draw my sword"))
	if !resp.Success {
		t.Fatalf("动作失败: %+v", resp.Error)
	}
	if g.engine.callCount() != 2 {
		t.Fatalf("NPC先手时应自动续写一次, 实际调用 %d 次", g.engine.callCount())
	}
	if resp.Combat.CurrentCombatantID != "hero" || resp.Combat.Phase != models.PhasePlayerTurn {
		t.Fatalf("应轮到玩家行动: %+v", resp.Combat)
	}
	if resp.Party["hero"].CurrentHP != 8 {
		t.Fatalf("玩家生命值应为8, 实际 %d", resp.Party["hero"].CurrentHP)
	}

	instructions := 0
	for _, msg := range g.store.Snapshot().ChatHistory {
		if msg.Role == models.RoleSystem && strings.Contains(msg.Content, "You may act") {
			instructions++
		}
	}
	if instructions != 1 {
		t.Fatalf("行动提示应只发一次, 实际 %d", instructions)
	}
	if len(g.eventsOf(models.EventTurnAdvanced)) != 1 {
		t.Fatal("应有一个 turn_advanced 事件")
	}
}

// TestHostilesDefeatedEndsCombat 测试敌人全部倒下后自动结束战斗
func TestHostilesDefeatedEndsCombat(t *testing.T) {
	g := newTestGame(t, PipelineOptions{AutoEndCombat: true},
		engineStep{text: `{"narrative":"Fight!","updates":[{"type":"combat_start","combatants":[
			{"id":"hero","name":"Aria","initiative":18},
			{"id":"goblin","name":"Goblin","initiative":5,"hp":4,"max_hp":4}]}]}`},
		engineStep{text: `{"narrative":"Your blade finds its mark.","updates":[{"type":"hp_change","target":"goblin","value":-10}]}`},
	)
	g.orch.Handle(context.Background(), playerSays("Charge!"))
	resp := g.orch.Handle(context.Background(), playerSays("I attack the goblin"))
	if !resp.Success {
		t.Fatalf("动作失败: %+v", resp.Error)
	}
	if resp.Combat.IsActive {
		t.Fatal("敌人全部倒下后战斗应结束")
	}
	ended := g.eventsOf(models.EventCombatEnded)
	if len(ended) != 1 || ended[0].Payload["reason"] != "hostiles_defeated" {
		t.Fatalf("应有一个 combat_ended 事件: %+v", ended)
	}
}

// TestStrictModeSchemaViolation 测试严格模式下的格式错误
func TestStrictModeSchemaViolation(t *testing.T) {
	g := newTestGame(t, PipelineOptions{Mode: ModeStrict},
		engineStep{text: `Sure! {"narrative":"hi"}`},
	)
	resp := g.orch.Handle(context.Background(), playerSays("hello"))
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeSchemaViolation) {
		t.Fatalf("应返回 schema_violation: %+v", resp.Error)
	}
	if !resp.CanRetry {
		t.Fatal("解析失败后应允许重试")
	}
}

// TestPanicReleasesGate 测试处理器 panic 后闸门仍被释放
func TestPanicReleasesGate(t *testing.T) {
	g := newTestGame(t, PipelineOptions{},
		engineStep{panic: true},
		engineStep{text: `{"narrative":"Recovered."}`},
	)
	resp := g.orch.Handle(context.Background(), playerSays("boom"))
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeInternal) {
		t.Fatalf("panic 应转换为 internal 错误: %+v", resp.Error)
	}
	if g.runState.IsProcessing() {
		t.Fatal("panic 后闸门应被释放")
	}
	if idle := g.eventsOf(models.EventBackendIdle); len(idle) != 1 {
		t.Fatal("panic 后仍应发出 backend_idle")
	}

	resp = g.orch.Handle(context.Background(), playerSays("again"))
	if !resp.Success {
		t.Fatalf("后续动作应成功: %+v", resp.Error)
	}
}

// TestUnknownActionType 测试未知动作类型
func TestUnknownActionType(t *testing.T) {
	g := newTestGame(t, PipelineOptions{}, engineStep{text: `{"narrative":"x"}`})
	resp := g.orch.Handle(context.Background(), models.Action{Type: "dance"})
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeValidation) {
		t.Fatalf("应返回校验错误: %+v", resp.Error)
	}
	if g.events.LastSeq() != 0 {
		t.Fatal("未知动作不应产生事件")
	}
}

// TestDuplicateDiceIDIsReassigned 测试引擎重复使用挂起中的骰子ID时重新分配
func TestDuplicateDiceIDIsReassigned(t *testing.T) {
	g := newTestGame(t, PipelineOptions{},
		engineStep{text: `{"narrative":"Roll to climb.","dice_requests":[{"id":"d1","formula":"1d20"}]}`},
		engineStep{text: `{"narrative":"And roll damage.","dice_requests":[{"id":"d1","formula":"1d6"}]}`},
		engineStep{text: `{"narrative":"Both resolved."}`},
	)
	g.orch.Handle(context.Background(), playerSays("I climb"))
	resp := g.orch.Handle(context.Background(), playerSays("I also swing"))
	if len(resp.PendingDice) != 2 {
		t.Fatalf("应有两个挂起的骰子请求, 实际 %d", len(resp.PendingDice))
	}
	first, second := resp.PendingDice[0], resp.PendingDice[1]
	if first.ID != "d1" || second.ID == "d1" || second.ID == "" {
		t.Fatalf("重复的ID应被重新分配: %s, %s", first.ID, second.ID)
	}
	if len(resp.Warnings) == 0 {
		t.Fatal("重新分配ID应产生警告")
	}

	resp = g.orch.Handle(context.Background(), models.Action{
		Type: models.ActionDiceSubmission,
		Dice: []models.DiceSubmission{{RequestID: "d1", Rolls: []int{4}}},
	})
	if !resp.Success || len(resp.PendingDice) != 1 || resp.PendingDice[0].ID != second.ID {
		t.Fatalf("一次提交只应结算一个请求: %+v", resp.PendingDice)
	}
	if n := len(g.eventsOf(models.EventDiceResolved)); n != 1 {
		t.Fatalf("应只有一个 dice_resolved 事件, 实际 %d", n)
	}
	// 第一个请求的来源已全部结算，只对它发起后续调用
	if g.engine.callCount() != 3 || g.engine.call(2).Kind != models.RequestDiceFollowUp {
		t.Fatalf("应为第一个来源发起后续调用, 调用次数 %d", g.engine.callCount())
	}

	resp = g.orch.Handle(context.Background(), models.Action{
		Type: models.ActionDiceSubmission,
		Dice: []models.DiceSubmission{{RequestID: second.ID, Rolls: []int{3}}},
	})
	if !resp.Success || len(resp.PendingDice) != 0 || g.engine.callCount() != 4 {
		t.Fatalf("全部结算后应调用引擎: pending=%d calls=%d", len(resp.PendingDice), g.engine.callCount())
	}
}

// TestFailedUpdateBatchLeavesStateUntouched 测试一批更新中途失败时整体不生效
func TestFailedUpdateBatchLeavesStateUntouched(t *testing.T) {
	g := newTestGame(t, PipelineOptions{}, engineStep{text: `{"narrative":"You are hit and drop your rope.","updates":[
 {"type":"hp_change","target":"hero","value":-4},
 {"type":"inventory_remove","target":"hero","item":"Rope","quantity":1}]}`})
	seqBefore := g.events.LastSeq()

	resp := g.orch.Handle(context.Background(), playerSays("I dodge"))
	if resp.Error == nil || resp.Error.Kind != string(errors.ErrorTypeInvariantViolation) {
		t.Fatalf("应返回 invariant_violation: %+v", resp.Error)
	}
	if resp.Party["hero"].CurrentHP != 10 {
		t.Fatalf("失败的批次不应修改生命值, 实际 %d", resp.Party["hero"].CurrentHP)
	}
	for _, msg := range resp.ChatTail {
		if msg.Role == models.RoleNarrator {
			t.Fatal("失败的批次不应记录叙述")
		}
	}
	for _, ev := range g.events.Since(seqBefore, 0) {
		if ev.Type == models.EventHPChanged {
			t.Fatal("失败的批次不应发出 hp_changed 事件")
		}
	}
}

// TestClientCancelDoesNotAbortEngineCall 测试调用方取消后进行中的引擎调用仍然完成
func TestClientCancelDoesNotAbortEngineCall(t *testing.T) {
	g := newTestGame(t, PipelineOptions{}, engineStep{text: `{"narrative":"The door creaks open.","updates":[
 {"type":"location_change","location":"Cellar"}]}`})
	g.engine.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.ActionResponse, 1)
	go func() { done <- g.orch.Handle(ctx, playerSays("I push the door")) }()

	g.waitProcessing(t)
	cancel()
	close(g.engine.gate)

	var resp *models.ActionResponse
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("动作未完成")
	}
	if !resp.Success {
		t.Fatalf("取消不应中断引擎调用: %+v", resp.Error)
	}
	if resp.Location != "Cellar" {
		t.Fatalf("叙述结果应被应用, 地点 = %q", resp.Location)
	}
}
