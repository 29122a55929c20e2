// internal/services/combat_machine.go
package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
)

// TurnAdvance AdvanceTurn 的结果
type TurnAdvance struct {
	Combatant   *models.Combatant
	Round       int
	NewRound    bool
	AllDefeated bool
	// Phases 本次推进依次经过的阶段
	Phases []models.CombatPhase
}

// CombatMachine 战斗状态机。所有方法都在 SessionStore.Mutate 内调用，
// 直接修改传入的会话状态。
type CombatMachine struct{}

// NewCombatMachine 创建战斗状态机
func NewCombatMachine() *CombatMachine {
	return &CombatMachine{}
}

// Start Inactive -> AwaitingTurnStart
func (m *CombatMachine) Start(state *models.SessionState, seeds []models.CombatantSeed) (AppliedChange, error) {
	if state.Combat.IsActive {
		return AppliedChange{}, errors.NewInvariantViolationError("combat already active")
	}

	combatants := make([]*models.Combatant, 0, len(seeds))
	seen := make(map[string]bool, len(seeds))
	for i, seed := range seeds {
		id := strings.TrimSpace(seed.ID)
		if id == "" {
			id = fmt.Sprintf("%s-%d", slugify(seed.Name), i+1)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		combatants = append(combatants, combatantFromSeed(state, id, seed, i))
	}
	if len(combatants) == 0 {
		return AppliedChange{}, errors.NewInvariantViolationError("combat needs at least one combatant")
	}

	// 稳定排序：先攻降序，修正值降序，其余保持插入顺序
	sort.SliceStable(combatants, func(i, j int) bool {
		a, b := combatants[i], combatants[j]
		if a.Initiative != b.Initiative {
			return a.Initiative > b.Initiative
		}
		return a.InitiativeModifier > b.InitiativeModifier
	})

	state.Combat = models.CombatState{
		IsActive:         true,
		Phase:            models.PhaseAwaitingTurnStart,
		Combatants:       combatants,
		CurrentTurnIndex: 0,
		RoundNumber:      1,
	}
	if combatants[0].IsDefeated() {
		if idx, _, ok := nextStanding(combatants, 0); ok {
			state.Combat.CurrentTurnIndex = idx
		}
	}

	order := make([]map[string]interface{}, len(combatants))
	for i, c := range combatants {
		order[i] = map[string]interface{}{
			"id":                   c.ID,
			"name":                 c.Name,
			"initiative":           c.Initiative,
			"is_player_controlled": c.IsPlayerControlled,
		}
	}
	cur := state.Combat.Current()
	return AppliedChange{
		Event: models.EventCombatStarted,
		Payload: map[string]interface{}{
			"order":                order,
			"round":                1,
			"current_combatant_id": cur.ID,
		},
	}, nil
}

func combatantFromSeed(state *models.SessionState, id string, seed models.CombatantSeed, order int) *models.Combatant {
	c := &models.Combatant{
		ID:                 id,
		Name:               seed.Name,
		Initiative:         seed.Initiative,
		InitiativeModifier: seed.InitiativeModifier,
		HP:                 seed.HP,
		MaxHP:              seed.MaxHP,
		ArmorClass:         seed.ArmorClass,
		IsPlayerControlled: seed.IsPlayerControlled,
		InsertionOrder:     order,
	}
	if member, ok := state.Party[id]; ok {
		c.IsPlayerControlled = true
		c.HP = member.CurrentHP
		c.MaxHP = member.MaxHP
		c.ArmorClass = member.ArmorClass
		c.Conditions = append([]string(nil), member.Conditions...)
		if c.Name == "" {
			c.Name = member.Name
		}
		if c.InitiativeModifier == 0 {
			c.InitiativeModifier = member.InitiativeModifier
		}
	}
	if c.Name == "" {
		c.Name = id
	}
	if c.MaxHP < c.HP {
		c.MaxHP = c.HP
	}
	if c.HP < 0 {
		c.HP = 0
	}
	if c.HP == 0 && c.MaxHP > 0 {
		c.Conditions = models.AddCondition(c.Conditions, models.ConditionDefeated)
	}
	return c
}

// BeginTurn AwaitingTurnStart -> PlayerTurn | NPCTurn
func (m *CombatMachine) BeginTurn(state *models.SessionState) *models.Combatant {
	cur := state.Combat.Current()
	if cur == nil {
		return nil
	}
	if state.Combat.Phase == models.PhaseAwaitingTurnStart {
		if cur.IsPlayerControlled {
			state.Combat.Phase = models.PhasePlayerTurn
		} else {
			state.Combat.Phase = models.PhaseNPCTurn
		}
	}
	return cur
}

// AdvanceTurn 前进到下一个未被击倒的参与者；全部被击倒时仍前进一位并报告
func (m *CombatMachine) AdvanceTurn(state *models.SessionState) (TurnAdvance, AppliedChange, error) {
	cs := &state.Combat
	if !cs.IsActive || len(cs.Combatants) == 0 {
		return TurnAdvance{}, AppliedChange{}, errors.NewInvariantViolationError("no active combat to advance")
	}

	prev := cs.Current()
	n := len(cs.Combatants)
	next, wrapped, ok := nextStanding(cs.Combatants, cs.CurrentTurnIndex)
	allDefeated := !ok
	if allDefeated {
		next = (cs.CurrentTurnIndex + 1) % n
		wrapped = next <= cs.CurrentTurnIndex
	}

	var phases []models.CombatPhase
	if wrapped {
		cs.Phase = models.PhaseRoundEnd
		phases = append(phases, cs.Phase)
		cs.RoundNumber++
	}
	cs.CurrentTurnIndex = next
	cs.Phase = models.PhaseAwaitingTurnStart
	phases = append(phases, cs.Phase)
	cs.TurnInstructionIssued = false

	cur := cs.Current()
	adv := TurnAdvance{Combatant: cur, Round: cs.RoundNumber, NewRound: wrapped, AllDefeated: allDefeated, Phases: phases}
	phaseNames := make([]string, len(phases))
	for i, ph := range phases {
		phaseNames[i] = string(ph)
	}
	payload := map[string]interface{}{
		"combatant_id":         cur.ID,
		"combatant_name":       cur.Name,
		"round":                cs.RoundNumber,
		"new_round":            wrapped,
		"is_player_controlled": cur.IsPlayerControlled,
		"all_defeated":         allDefeated,
		"phases":               phaseNames,
	}
	if prev != nil {
		payload["previous_combatant_id"] = prev.ID
	}
	return adv, AppliedChange{Event: models.EventTurnAdvanced, Payload: payload}, nil
}

// nextStanding 从 from 之后寻找第一个未被击倒的参与者
func nextStanding(list []*models.Combatant, from int) (idx int, wrapped bool, ok bool) {
	n := len(list)
	for step := 1; step <= n; step++ {
		i := from + step
		if i >= n {
			wrapped = true
			i -= n
		}
		if !list[i].IsDefeated() {
			return i, wrapped, true
		}
	}
	return 0, false, false
}

// End 任意状态 -> Inactive，把玩家控制参与者的生命值和状态同步回队伍
func (m *CombatMachine) End(state *models.SessionState, reason string) (AppliedChange, error) {
	cs := &state.Combat
	if !cs.IsActive {
		return AppliedChange{}, errors.NewInvariantViolationError("no active combat to end")
	}

	survivors := make([]string, 0, len(cs.Combatants))
	for _, c := range cs.Combatants {
		if !c.IsDefeated() {
			survivors = append(survivors, c.ID)
		}
		if !c.IsPlayerControlled {
			continue
		}
		if member, ok := state.Party[c.ID]; ok {
			member.CurrentHP = c.HP
			member.Conditions = append([]string(nil), c.Conditions...)
		}
	}
	rounds := cs.RoundNumber
	state.Combat = models.CombatState{Phase: models.PhaseInactive}

	payload := map[string]interface{}{
		"rounds":    rounds,
		"survivors": survivors,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return AppliedChange{Event: models.EventCombatEnded, Payload: payload}, nil
}

// RemoveCombatant 将参与者移出顺序，当前行动者保持不变；移除当前行动者时轮到下一位
func (m *CombatMachine) RemoveCombatant(state *models.SessionState, id string) (AppliedChange, error) {
	cs := &state.Combat
	if !cs.IsActive {
		return AppliedChange{}, errors.NewInvariantViolationError("no active combat")
	}
	idx := -1
	for i, c := range cs.Combatants {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return AppliedChange{}, errors.NewInvariantViolationError(fmt.Sprintf("combatant %q not in combat", id))
	}

	removed := cs.Combatants[idx]
	cs.Combatants = append(cs.Combatants[:idx], cs.Combatants[idx+1:]...)
	switch {
	case len(cs.Combatants) == 0:
		cs.CurrentTurnIndex = 0
	case idx < cs.CurrentTurnIndex:
		cs.CurrentTurnIndex--
	case idx == cs.CurrentTurnIndex:
		// 轮到移除者之后第一个未被击倒的参与者
		if next, wrapped, ok := nextStanding(cs.Combatants, idx-1); ok {
			cs.CurrentTurnIndex = next
			if wrapped {
				cs.RoundNumber++
			}
		} else if cs.CurrentTurnIndex >= len(cs.Combatants) {
			cs.CurrentTurnIndex = 0
			cs.RoundNumber++
		}
		cs.Phase = models.PhaseAwaitingTurnStart
		cs.TurnInstructionIssued = false
	}

	payload := map[string]interface{}{
		"combatant_id":   removed.ID,
		"combatant_name": removed.Name,
		"remaining":      len(cs.Combatants),
	}
	if cur := cs.Current(); cur != nil {
		payload["current_combatant_id"] = cur.ID
	}
	return AppliedChange{Event: models.EventCombatantRemoved, Payload: payload}, nil
}

// HostilesDefeated 所有非玩家参与者都被击倒
func (m *CombatMachine) HostilesDefeated(state *models.SessionState) bool {
	if !state.Combat.IsActive {
		return false
	}
	hostiles := 0
	for _, c := range state.Combat.Combatants {
		if c.IsPlayerControlled {
			continue
		}
		hostiles++
		if !c.IsDefeated() {
			return false
		}
	}
	return hostiles > 0
}

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "combatant"
	}
	return strings.Join(strings.Fields(name), "-")
}
