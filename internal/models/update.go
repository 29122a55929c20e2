// internal/models/update.go
package models

// UpdateKind 状态更新类型
type UpdateKind string

const (
	UpdateHPChange          UpdateKind = "hp_change"
	UpdateConditionAdd      UpdateKind = "condition_add"
	UpdateConditionRemove   UpdateKind = "condition_remove"
	UpdateInventoryAdd      UpdateKind = "inventory_add"
	UpdateInventoryRemove   UpdateKind = "inventory_remove"
	UpdateGoldChange        UpdateKind = "gold_change"
	UpdateQuestStatusChange UpdateKind = "quest_status_change"
	UpdateCombatStart       UpdateKind = "combat_start"
	UpdateCombatEnd         UpdateKind = "combat_end"
	UpdateCombatantRemove   UpdateKind = "combatant_remove"
	UpdateLocationChange    UpdateKind = "location_change"
)

// Provenance 更新的来源说明
type Provenance struct {
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Update 是封闭的状态更新接口，只有本包内的变体可以实现
type Update interface {
	Kind() UpdateKind
	// TargetID 为空表示该更新不指向角色
	TargetID() string
	Origin() Provenance
	isUpdate()
}

// Targeted 指向队伍成员或战斗参与者的更新的公共字段
type Targeted struct {
	Target     string     `json:"target"`
	Provenance Provenance `json:"provenance"`
}

func (t Targeted) TargetID() string   { return t.Target }
func (t Targeted) Origin() Provenance { return t.Provenance }

// Untargeted 不指向角色的更新的公共字段
type Untargeted struct {
	Provenance Provenance `json:"provenance"`
}

func (Untargeted) TargetID() string     { return "" }
func (u Untargeted) Origin() Provenance { return u.Provenance }

// HPChange 生命值变化，负数为伤害
type HPChange struct {
	Targeted
	Delta int `json:"delta"`
}

// ConditionAdd 添加状态
type ConditionAdd struct {
	Targeted
	Condition string `json:"condition"`
}

// ConditionRemove 移除状态
type ConditionRemove struct {
	Targeted
	Condition string `json:"condition"`
}

// InventoryAdd 获得物品
type InventoryAdd struct {
	Targeted
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

// InventoryRemove 失去物品
type InventoryRemove struct {
	Targeted
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

// GoldChange 金币变化
type GoldChange struct {
	Targeted
	Delta int `json:"delta"`
}

// QuestStatusChange 任务状态变化，任务不存在时创建
type QuestStatusChange struct {
	Untargeted
	QuestID string      `json:"quest_id"`
	Title   string      `json:"title,omitempty"`
	Status  QuestStatus `json:"status"`
}

// CombatStart 开始战斗
type CombatStart struct {
	Untargeted
	Combatants []CombatantSeed `json:"combatants"`
}

// CombatEnd 结束战斗
type CombatEnd struct {
	Untargeted
}

// CombatantRemove 将参与者移出先攻顺序
type CombatantRemove struct {
	Targeted
}

// LocationChange 队伍移动到新地点
type LocationChange struct {
	Untargeted
	Location string `json:"location"`
}

func (HPChange) Kind() UpdateKind          { return UpdateHPChange }
func (ConditionAdd) Kind() UpdateKind      { return UpdateConditionAdd }
func (ConditionRemove) Kind() UpdateKind   { return UpdateConditionRemove }
func (InventoryAdd) Kind() UpdateKind      { return UpdateInventoryAdd }
func (InventoryRemove) Kind() UpdateKind   { return UpdateInventoryRemove }
func (GoldChange) Kind() UpdateKind        { return UpdateGoldChange }
func (QuestStatusChange) Kind() UpdateKind { return UpdateQuestStatusChange }
func (CombatStart) Kind() UpdateKind       { return UpdateCombatStart }
func (CombatEnd) Kind() UpdateKind         { return UpdateCombatEnd }
func (CombatantRemove) Kind() UpdateKind   { return UpdateCombatantRemove }
func (LocationChange) Kind() UpdateKind    { return UpdateLocationChange }

func (HPChange) isUpdate()          {}
func (ConditionAdd) isUpdate()      {}
func (ConditionRemove) isUpdate()   {}
func (InventoryAdd) isUpdate()      {}
func (InventoryRemove) isUpdate()   {}
func (GoldChange) isUpdate()        {}
func (QuestStatusChange) isUpdate() {}
func (CombatStart) isUpdate()       {}
func (CombatEnd) isUpdate()         {}
func (CombatantRemove) isUpdate()   {}
func (LocationChange) isUpdate()    {}
