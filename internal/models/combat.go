// internal/models/combat.go
package models

// CombatPhase 战斗状态机的阶段
type CombatPhase string

const (
	PhaseInactive          CombatPhase = "inactive"
	PhaseAwaitingTurnStart CombatPhase = "awaiting_turn_start"
	PhasePlayerTurn        CombatPhase = "player_turn"
	PhaseNPCTurn           CombatPhase = "npc_turn"
	PhaseRoundEnd          CombatPhase = "round_end"
)

// Combatant 战斗参与者
type Combatant struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Initiative         int      `json:"initiative"`
	InitiativeModifier int      `json:"initiative_modifier"`
	HP                 int      `json:"hp"`
	MaxHP              int      `json:"max_hp"`
	ArmorClass         int      `json:"armor_class"`
	Conditions         []string `json:"conditions"`
	IsPlayerControlled bool     `json:"is_player_controlled"`
	InsertionOrder     int      `json:"insertion_order"`
}

// IsDefeated 是否已被击倒
func (c *Combatant) IsDefeated() bool {
	return HasCondition(c.Conditions, ConditionDefeated)
}

// CombatantSeed 开始战斗时由引擎提供的参与者描述
type CombatantSeed struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Initiative         int    `json:"initiative"`
	InitiativeModifier int    `json:"initiative_modifier"`
	HP                 int    `json:"hp"`
	MaxHP              int    `json:"max_hp"`
	ArmorClass         int    `json:"armor_class"`
	IsPlayerControlled bool   `json:"is_player_controlled"`
}

// CombatState 战斗状态，Combatants 按先攻顺序排列
type CombatState struct {
	IsActive              bool         `json:"is_active"`
	Phase                 CombatPhase  `json:"phase"`
	Combatants            []*Combatant `json:"combatants"`
	CurrentTurnIndex      int          `json:"current_turn_index"`
	RoundNumber           int          `json:"round_number"`
	TurnInstructionIssued bool         `json:"turn_instruction_issued"`
}

// Current 返回当前行动者，非战斗或越界时为 nil
func (cs *CombatState) Current() *Combatant {
	if !cs.IsActive || cs.CurrentTurnIndex < 0 || cs.CurrentTurnIndex >= len(cs.Combatants) {
		return nil
	}
	return cs.Combatants[cs.CurrentTurnIndex]
}

// Find 按ID查找参与者
func (cs *CombatState) Find(id string) *Combatant {
	for _, c := range cs.Combatants {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Clone 深拷贝战斗状态
func (cs CombatState) Clone() CombatState {
	out := cs
	out.Combatants = make([]*Combatant, len(cs.Combatants))
	for i, c := range cs.Combatants {
		cp := *c
		cp.Conditions = append([]string(nil), c.Conditions...)
		out.Combatants[i] = &cp
	}
	return out
}

// CombatSummary 返回给客户端的战斗摘要
type CombatSummary struct {
	IsActive           bool        `json:"is_active"`
	Phase              CombatPhase `json:"phase"`
	RoundNumber        int         `json:"round_number"`
	CurrentTurnIndex   int         `json:"current_turn_index"`
	CurrentCombatantID string      `json:"current_combatant_id,omitempty"`
	Order              []Combatant `json:"order"`
}

// Summary 生成战斗摘要
func (cs *CombatState) Summary() CombatSummary {
	s := CombatSummary{
		IsActive:         cs.IsActive,
		Phase:            cs.Phase,
		RoundNumber:      cs.RoundNumber,
		CurrentTurnIndex: cs.CurrentTurnIndex,
		Order:            make([]Combatant, 0, len(cs.Combatants)),
	}
	if s.Phase == "" {
		s.Phase = PhaseInactive
	}
	if cur := cs.Current(); cur != nil {
		s.CurrentCombatantID = cur.ID
	}
	for _, c := range cs.Combatants {
		cp := *c
		cp.Conditions = append([]string(nil), c.Conditions...)
		s.Order = append(s.Order, cp)
	}
	return s
}
