package services

import (
	"testing"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
)

func newTestSession() *models.SessionState {
	state := models.NewSessionState("test")
	state.Party["hero"] = &models.CharacterState{
		ID: "hero", Name: "Aria", IsPlayer: true, CurrentHP: 10, MaxHP: 10, ArmorClass: 14,
		InitiativeModifier: 2, Gold: 5,
	}
	state.Party["cleric"] = &models.CharacterState{
		ID: "cleric", Name: "Bren", IsPlayer: true, CurrentHP: 8, MaxHP: 12,
	}
	return state
}

func hp(target string, delta int) models.HPChange {
	return models.HPChange{Targeted: models.Targeted{Target: target}, Delta: delta}
}

// TestHPChangeClamps 测试生命值上下限
func TestHPChangeClamps(t *testing.T) {
	su := NewStateUpdaters(NewCombatMachine(), true)
	state := newTestSession()

	changes, err := su.Apply(state, hp("hero", -15))
	if err != nil {
		t.Fatalf("应用伤害失败: %v", err)
	}
	hero := state.Party["hero"]
	if hero.CurrentHP != 0 {
		t.Fatalf("生命值应被限制为 0, 实际 %d", hero.CurrentHP)
	}
	if !hero.IsDefeated() {
		t.Fatal("生命值归零应添加 defeated 状态")
	}
	if len(changes) != 2 || changes[0].Event != models.EventHPChanged || changes[1].Event != models.EventConditionAdded {
		t.Fatalf("事件不正确: %+v", changes)
	}

	if _, err := su.Apply(state, hp("hero", 100)); err != nil {
		t.Fatalf("应用治疗失败: %v", err)
	}
	if hero.CurrentHP != 10 {
		t.Fatalf("生命值应被限制为最大值 10, 实际 %d", hero.CurrentHP)
	}
	if hero.IsDefeated() {
		t.Fatal("治疗到 0 以上应移除 defeated")
	}
}

// TestHPChangeTempHPAbsorbsFirst 测试临时生命值优先吸收伤害
func TestHPChangeTempHPAbsorbsFirst(t *testing.T) {
	su := NewStateUpdaters(NewCombatMachine(), true)
	state := newTestSession()
	state.Party["hero"].TempHP = 4

	if _, err := su.Apply(state, hp("hero", -6)); err != nil {
		t.Fatalf("应用伤害失败: %v", err)
	}
	hero := state.Party["hero"]
	if hero.TempHP != 0 || hero.CurrentHP != 8 {
		t.Fatalf("临时生命值吸收错误: temp=%d hp=%d", hero.TempHP, hero.CurrentHP)
	}
}

// TestHPChangeMirrorsCombatant 测试战斗中队伍成员与参与者同步
func TestHPChangeMirrorsCombatant(t *testing.T) {
	cm := NewCombatMachine()
	su := NewStateUpdaters(cm, true)
	state := newTestSession()
	if _, err := cm.Start(state, []models.CombatantSeed{
		{ID: "hero", Initiative: 12},
		{ID: "goblin", Name: "Goblin", Initiative: 8, HP: 7, MaxHP: 7},
	}); err != nil {
		t.Fatalf("开始战斗失败: %v", err)
	}

	if _, err := su.Apply(state, hp("hero", -3)); err != nil {
		t.Fatalf("应用伤害失败: %v", err)
	}
	if state.Party["hero"].CurrentHP != 7 || state.Combat.Find("hero").HP != 7 {
		t.Fatal("队伍成员与战斗参与者生命值应同步")
	}

	if _, err := su.Apply(state, hp("goblin", -20)); err != nil {
		t.Fatalf("对参与者造成伤害失败: %v", err)
	}
	goblin := state.Combat.Find("goblin")
	if goblin.HP != 0 || !goblin.IsDefeated() {
		t.Fatalf("哥布林应被击倒: %+v", goblin)
	}
	if state.Combat.Find("goblin") == nil {
		t.Fatal("被击倒的参与者不应被移出顺序")
	}
}

// TestUnknownTargetStrictVsLenient 测试未知目标在两种模式下的处理
func TestUnknownTargetStrictVsLenient(t *testing.T) {
	state := newTestSession()
	strict := NewStateUpdaters(NewCombatMachine(), true)
	if _, err := strict.Apply(state, hp("ghost", -1)); !errors.Is(err, errors.ErrorTypeInvariantViolation) {
		t.Fatalf("严格模式应返回不变量错误, 得到 %v", err)
	}

	lenient := NewStateUpdaters(NewCombatMachine(), false)
	changes, err := lenient.Apply(state, hp("ghost", -1))
	if err != nil || changes != nil {
		t.Fatalf("宽松模式应丢弃更新, 得到 %v %v", changes, err)
	}
}

// TestConditionSetSemantics 测试状态集合语义
func TestConditionSetSemantics(t *testing.T) {
	su := NewStateUpdaters(NewCombatMachine(), true)
	state := newTestSession()
	add := models.ConditionAdd{Targeted: models.Targeted{Target: "hero"}, Condition: "Poisoned"}

	if c, _ := su.Apply(state, add); len(c) != 1 {
		t.Fatal("第一次添加应产生事件")
	}
	add.Condition = "poisoned"
	if c, _ := su.Apply(state, add); len(c) != 0 {
		t.Fatal("重复添加不应产生事件")
	}
	if n := len(state.Party["hero"].Conditions); n != 1 {
		t.Fatalf("状态应去重, 实际 %d", n)
	}

	rm := models.ConditionRemove{Targeted: models.Targeted{Target: "hero"}, Condition: "blinded"}
	if c, err := su.Apply(state, rm); err != nil || len(c) != 0 {
		t.Fatal("移除不存在的状态应为空操作")
	}
}

// TestInventoryMergeAndClamp 测试背包合并与移除
func TestInventoryMergeAndClamp(t *testing.T) {
	su := NewStateUpdaters(NewCombatMachine(), true)
	state := newTestSession()
	target := models.Targeted{Target: "hero"}

	su.Apply(state, models.InventoryAdd{Targeted: target, Item: "Torch", Quantity: 2})
	su.Apply(state, models.InventoryAdd{Targeted: target, Item: "torch", Quantity: 3})
	inv := state.Party["hero"].Inventory
	if len(inv) != 1 || inv[0].Quantity != 5 {
		t.Fatalf("同名物品应合并: %+v", inv)
	}

	changes, err := su.Apply(state, models.InventoryRemove{Targeted: target, Item: "Torch", Quantity: 9})
	if err != nil {
		t.Fatalf("移除失败: %v", err)
	}
	if len(state.Party["hero"].Inventory) != 0 {
		t.Fatal("数量归零后条目应被删除")
	}
	if changes[0].Payload["quantity"] != 5 {
		t.Fatalf("实际移除数量应被限制为 5: %+v", changes[0].Payload)
	}

	if _, err := su.Apply(state, models.InventoryRemove{Targeted: target, Item: "Rope", Quantity: 1}); !errors.Is(err, errors.ErrorTypeInvariantViolation) {
		t.Fatalf("移除未持有的物品应违反不变量, 得到 %v", err)
	}
}

// TestGoldAndQuest 测试金币与任务
func TestGoldAndQuest(t *testing.T) {
	su := NewStateUpdaters(NewCombatMachine(), true)
	state := newTestSession()

	su.Apply(state, models.GoldChange{Targeted: models.Targeted{Target: "hero"}, Delta: -50})
	if state.Party["hero"].Gold != 0 {
		t.Fatalf("金币不应为负: %d", state.Party["hero"].Gold)
	}

	quest := models.QuestStatusChange{QuestID: "q1", Title: "Rats", Status: models.QuestActive}
	if _, err := su.Apply(state, quest); err != nil {
		t.Fatalf("任务更新失败: %v", err)
	}
	quest.Status = "abandoned"
	if _, err := su.Apply(state, quest); !errors.Is(err, errors.ErrorTypeInvariantViolation) {
		t.Fatalf("未知任务状态应违反不变量, 得到 %v", err)
	}
	if state.Quests["q1"].Status != models.QuestActive {
		t.Fatal("非法更新不应修改任务")
	}
}

// TestCombatantRemoveEndsEmptyCombat 测试移除最后一个参与者结束战斗
func TestCombatantRemoveEndsEmptyCombat(t *testing.T) {
	cm := NewCombatMachine()
	su := NewStateUpdaters(cm, true)
	state := newTestSession()
	cm.Start(state, []models.CombatantSeed{{ID: "wolf", Name: "Wolf", Initiative: 5, HP: 4, MaxHP: 4}})

	changes, err := su.Apply(state, models.CombatantRemove{Targeted: models.Targeted{Target: "wolf"}})
	if err != nil {
		t.Fatalf("移除失败: %v", err)
	}
	if len(changes) != 2 || changes[1].Event != models.EventCombatEnded {
		t.Fatalf("应产生移除和结束两个事件: %+v", changes)
	}
	if state.Combat.IsActive {
		t.Fatal("战斗应结束")
	}
}
