// internal/models/character.go
package models

import "strings"

// ConditionDefeated 生命值归零时自动添加的状态
const ConditionDefeated = "defeated"

// CharacterState 表示队伍成员的可变状态
type CharacterState struct {
	ID                 string          `json:"id" yaml:"id"`
	Name               string          `json:"name" yaml:"name"`
	IsPlayer           bool            `json:"is_player" yaml:"is_player"`
	CurrentHP          int             `json:"current_hp" yaml:"current_hp"`
	MaxHP              int             `json:"max_hp" yaml:"max_hp"`
	TempHP             int             `json:"temp_hp" yaml:"temp_hp"`
	ArmorClass         int             `json:"armor_class" yaml:"armor_class"`
	InitiativeModifier int             `json:"initiative_modifier" yaml:"initiative_modifier"`
	Conditions         []string        `json:"conditions" yaml:"conditions"`
	Inventory          []InventoryItem `json:"inventory" yaml:"inventory"`
	Gold               int             `json:"gold" yaml:"gold"`
	Experience         int             `json:"experience" yaml:"experience"`
	Level              int             `json:"level" yaml:"level"`
}

// InventoryItem 背包条目，按名称合并数量
type InventoryItem struct {
	Name     string `json:"name" yaml:"name"`
	Quantity int    `json:"quantity" yaml:"quantity"`
}

// QuestStatus 任务状态
type QuestStatus string

const (
	QuestActive    QuestStatus = "active"
	QuestCompleted QuestStatus = "completed"
	QuestFailed    QuestStatus = "failed"
)

// Valid 报告状态是否属于已知集合
func (s QuestStatus) Valid() bool {
	switch s {
	case QuestActive, QuestCompleted, QuestFailed:
		return true
	}
	return false
}

// Quest 任务
type Quest struct {
	ID     string      `json:"id" yaml:"id"`
	Title  string      `json:"title" yaml:"title"`
	Status QuestStatus `json:"status" yaml:"status"`
}

// NPC 非玩家角色的简要记录
type NPC struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Disposition string `json:"disposition,omitempty" yaml:"disposition"`
}

// HasCondition 不区分大小写地检查状态
func HasCondition(conditions []string, condition string) bool {
	for _, c := range conditions {
		if strings.EqualFold(c, condition) {
			return true
		}
	}
	return false
}

// AddCondition 以集合语义添加状态
func AddCondition(conditions []string, condition string) []string {
	condition = strings.TrimSpace(condition)
	if condition == "" || HasCondition(conditions, condition) {
		return conditions
	}
	return append(conditions, condition)
}

// RemoveCondition 移除状态，不存在时原样返回
func RemoveCondition(conditions []string, condition string) []string {
	out := conditions[:0:0]
	for _, c := range conditions {
		if !strings.EqualFold(c, condition) {
			out = append(out, c)
		}
	}
	return out
}

// Clone 深拷贝角色状态
func (c *CharacterState) Clone() *CharacterState {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Conditions = append([]string(nil), c.Conditions...)
	cp.Inventory = append([]InventoryItem(nil), c.Inventory...)
	return &cp
}

// IsDefeated 是否处于击倒状态
func (c *CharacterState) IsDefeated() bool {
	return HasCondition(c.Conditions, ConditionDefeated)
}
