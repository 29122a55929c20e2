// internal/services/state_updaters.go
package services

import (
	"fmt"
	"strings"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/utils"
)

// AppliedChange 一次已应用的更新，对应一个事件
type AppliedChange struct {
	Event   models.EventType
	Payload map[string]interface{}
}

// UpdaterFunc 把一个更新应用到会话状态
type UpdaterFunc func(state *models.SessionState, u models.Update) ([]AppliedChange, error)

// StateUpdaters 按更新类型分派的更新器注册表
type StateUpdaters struct {
	registry map[models.UpdateKind]UpdaterFunc
	combat   *CombatMachine
	// strict 为 true 时违反不变量的更新返回错误，否则丢弃并记录警告
	strict bool
	logger *utils.Logger
}

// NewStateUpdaters 创建更新器并注册全部变体
func NewStateUpdaters(combat *CombatMachine, strict bool) *StateUpdaters {
	su := &StateUpdaters{
		registry: make(map[models.UpdateKind]UpdaterFunc),
		combat:   combat,
		strict:   strict,
		logger:   utils.GetLogger(),
	}
	su.Register(models.UpdateHPChange, su.applyHP)
	su.Register(models.UpdateConditionAdd, su.applyConditionAdd)
	su.Register(models.UpdateConditionRemove, su.applyConditionRemove)
	su.Register(models.UpdateInventoryAdd, su.applyInventoryAdd)
	su.Register(models.UpdateInventoryRemove, su.applyInventoryRemove)
	su.Register(models.UpdateGoldChange, su.applyGold)
	su.Register(models.UpdateQuestStatusChange, su.applyQuest)
	su.Register(models.UpdateCombatStart, su.applyCombatStart)
	su.Register(models.UpdateCombatEnd, su.applyCombatEnd)
	su.Register(models.UpdateCombatantRemove, su.applyCombatantRemove)
	su.Register(models.UpdateLocationChange, su.applyLocation)
	return su
}

// Register 注册或替换某类更新的处理函数
func (su *StateUpdaters) Register(kind models.UpdateKind, fn UpdaterFunc) {
	su.registry[kind] = fn
}

// Strict 是否为严格模式
func (su *StateUpdaters) Strict() bool {
	return su.strict
}

// Apply 应用单个更新。非严格模式下违反不变量的更新返回 (nil, nil) 并记录警告
func (su *StateUpdaters) Apply(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	fn, ok := su.registry[u.Kind()]
	if !ok {
		return su.violation(u, fmt.Sprintf("no updater registered for %s", u.Kind()))
	}
	changes, err := fn(state, u)
	if err != nil {
		if errors.Is(err, errors.ErrorTypeInvariantViolation) && !su.strict {
			su.logger.Warn("dropping update that violates an invariant", map[string]interface{}{
				"kind":   u.Kind(),
				"target": u.TargetID(),
				"error":  err.Error(),
			})
			return nil, nil
		}
		return nil, err
	}
	return changes, nil
}

func (su *StateUpdaters) violation(u models.Update, msg string) ([]AppliedChange, error) {
	err := errors.NewInvariantViolationError(msg)
	if su.strict {
		return nil, err
	}
	su.logger.Warn("dropping update", map[string]interface{}{"kind": u.Kind(), "reason": msg})
	return nil, nil
}

// hpTarget 定位生命值目标：队伍成员与对应的战斗参与者会同时更新
type hpTarget struct {
	member    *models.CharacterState
	combatant *models.Combatant
}

func resolveHPTarget(state *models.SessionState, id string) (hpTarget, error) {
	t := hpTarget{member: state.Party[id]}
	if state.Combat.IsActive {
		t.combatant = state.Combat.Find(id)
	}
	if t.member == nil && t.combatant == nil {
		return t, errors.NewInvariantViolationError(fmt.Sprintf("unknown target %q", id))
	}
	return t, nil
}

func (t hpTarget) name() string {
	if t.member != nil {
		return t.member.Name
	}
	return t.combatant.Name
}

func (t hpTarget) conditions() []string {
	if t.combatant != nil {
		return t.combatant.Conditions
	}
	return t.member.Conditions
}

func (t hpTarget) setConditions(c []string) {
	if t.member != nil {
		t.member.Conditions = append([]string(nil), c...)
	}
	if t.combatant != nil {
		t.combatant.Conditions = append([]string(nil), c...)
	}
}

func (su *StateUpdaters) applyHP(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.HPChange)
	t, err := resolveHPTarget(state, upd.Target)
	if err != nil {
		return nil, err
	}

	var current, maxHP, temp int
	if t.member != nil {
		current, maxHP, temp = t.member.CurrentHP, t.member.MaxHP, t.member.TempHP
	} else {
		current, maxHP = t.combatant.HP, t.combatant.MaxHP
	}

	delta := upd.Delta
	absorbed := 0
	if delta < 0 && temp > 0 {
		absorbed = min(temp, -delta)
		temp -= absorbed
		delta += absorbed
	}
	next := clamp(current+delta, 0, maxHP)

	if t.member != nil {
		t.member.CurrentHP = next
		t.member.TempHP = temp
	}
	if t.combatant != nil {
		t.combatant.HP = next
	}

	conds := t.conditions()
	defeatedNow, revived := false, false
	if next == 0 && !models.HasCondition(conds, models.ConditionDefeated) {
		conds = models.AddCondition(conds, models.ConditionDefeated)
		defeatedNow = true
	} else if next > 0 && models.HasCondition(conds, models.ConditionDefeated) {
		conds = models.RemoveCondition(conds, models.ConditionDefeated)
		revived = true
	}
	t.setConditions(conds)

	changes := []AppliedChange{{
		Event: models.EventHPChanged,
		Payload: withProvenance(map[string]interface{}{
			"target":      upd.Target,
			"target_name": t.name(),
			"delta":       upd.Delta,
			"previous_hp": current,
			"current_hp":  next,
			"max_hp":      maxHP,
			"temp_hp":     temp,
			"absorbed":    absorbed,
		}, upd.Provenance),
	}}
	if defeatedNow {
		changes = append(changes, AppliedChange{
			Event:   models.EventConditionAdded,
			Payload: map[string]interface{}{"target": upd.Target, "condition": models.ConditionDefeated},
		})
	}
	if revived {
		changes = append(changes, AppliedChange{
			Event:   models.EventConditionRemoved,
			Payload: map[string]interface{}{"target": upd.Target, "condition": models.ConditionDefeated},
		})
	}
	return changes, nil
}

func (su *StateUpdaters) applyConditionAdd(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.ConditionAdd)
	if strings.TrimSpace(upd.Condition) == "" {
		return nil, errors.NewInvariantViolationError("empty condition")
	}
	t, err := resolveHPTarget(state, upd.Target)
	if err != nil {
		return nil, err
	}
	conds := t.conditions()
	if models.HasCondition(conds, upd.Condition) {
		return nil, nil
	}
	t.setConditions(models.AddCondition(conds, upd.Condition))
	return []AppliedChange{{
		Event: models.EventConditionAdded,
		Payload: withProvenance(map[string]interface{}{
			"target":    upd.Target,
			"condition": upd.Condition,
		}, upd.Provenance),
	}}, nil
}

func (su *StateUpdaters) applyConditionRemove(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.ConditionRemove)
	t, err := resolveHPTarget(state, upd.Target)
	if err != nil {
		return nil, err
	}
	conds := t.conditions()
	if !models.HasCondition(conds, upd.Condition) {
		return nil, nil
	}
	t.setConditions(models.RemoveCondition(conds, upd.Condition))
	return []AppliedChange{{
		Event: models.EventConditionRemoved,
		Payload: withProvenance(map[string]interface{}{
			"target":    upd.Target,
			"condition": upd.Condition,
		}, upd.Provenance),
	}}, nil
}

func partyMember(state *models.SessionState, id string) (*models.CharacterState, error) {
	member, ok := state.Party[id]
	if !ok {
		return nil, errors.NewInvariantViolationError(fmt.Sprintf("unknown party member %q", id))
	}
	return member, nil
}

func (su *StateUpdaters) applyInventoryAdd(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.InventoryAdd)
	member, err := partyMember(state, upd.Target)
	if err != nil {
		return nil, err
	}
	item := strings.TrimSpace(upd.Item)
	if item == "" || upd.Quantity <= 0 {
		return nil, errors.NewInvariantViolationError("inventory add needs an item and a positive quantity")
	}

	total := upd.Quantity
	merged := false
	for i := range member.Inventory {
		if strings.EqualFold(member.Inventory[i].Name, item) {
			member.Inventory[i].Quantity += upd.Quantity
			total = member.Inventory[i].Quantity
			merged = true
			break
		}
	}
	if !merged {
		member.Inventory = append(member.Inventory, models.InventoryItem{Name: item, Quantity: upd.Quantity})
	}
	return []AppliedChange{{
		Event: models.EventInventoryAdded,
		Payload: withProvenance(map[string]interface{}{
			"target":   upd.Target,
			"item":     item,
			"quantity": upd.Quantity,
			"total":    total,
		}, upd.Provenance),
	}}, nil
}

func (su *StateUpdaters) applyInventoryRemove(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.InventoryRemove)
	member, err := partyMember(state, upd.Target)
	if err != nil {
		return nil, err
	}
	if upd.Quantity <= 0 {
		return nil, errors.NewInvariantViolationError("inventory remove needs a positive quantity")
	}

	for i := range member.Inventory {
		entry := &member.Inventory[i]
		if !strings.EqualFold(entry.Name, upd.Item) {
			continue
		}
		removed := upd.Quantity
		if removed > entry.Quantity {
			su.logger.Warn("removing more items than held, clamping to zero", map[string]interface{}{
				"target":    upd.Target,
				"item":      entry.Name,
				"held":      entry.Quantity,
				"requested": upd.Quantity,
			})
			removed = entry.Quantity
		}
		entry.Quantity -= removed
		name, remaining := entry.Name, entry.Quantity
		if remaining == 0 {
			member.Inventory = append(member.Inventory[:i], member.Inventory[i+1:]...)
		}
		return []AppliedChange{{
			Event: models.EventInventoryRemoved,
			Payload: withProvenance(map[string]interface{}{
				"target":    upd.Target,
				"item":      name,
				"quantity":  removed,
				"remaining": remaining,
			}, upd.Provenance),
		}}, nil
	}
	return nil, errors.NewInvariantViolationError(fmt.Sprintf("%q does not carry %q", upd.Target, upd.Item))
}

func (su *StateUpdaters) applyGold(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.GoldChange)
	member, err := partyMember(state, upd.Target)
	if err != nil {
		return nil, err
	}
	prev := member.Gold
	member.Gold = max(prev+upd.Delta, 0)
	return []AppliedChange{{
		Event: models.EventGoldChanged,
		Payload: withProvenance(map[string]interface{}{
			"target":   upd.Target,
			"delta":    upd.Delta,
			"previous": prev,
			"gold":     member.Gold,
		}, upd.Provenance),
	}}, nil
}

func (su *StateUpdaters) applyQuest(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.QuestStatusChange)
	if upd.QuestID == "" {
		return nil, errors.NewInvariantViolationError("quest update without quest id")
	}
	if !upd.Status.Valid() {
		return nil, errors.NewInvariantViolationError(fmt.Sprintf("unknown quest status %q", upd.Status))
	}
	if state.Quests == nil {
		state.Quests = make(map[string]*models.Quest)
	}
	q, ok := state.Quests[upd.QuestID]
	if !ok {
		q = &models.Quest{ID: upd.QuestID, Title: upd.Title}
		state.Quests[upd.QuestID] = q
	}
	prev := q.Status
	q.Status = upd.Status
	if upd.Title != "" {
		q.Title = upd.Title
	}
	return []AppliedChange{{
		Event: models.EventQuestUpdated,
		Payload: withProvenance(map[string]interface{}{
			"quest_id": q.ID,
			"title":    q.Title,
			"status":   q.Status,
			"previous": prev,
		}, upd.Provenance),
	}}, nil
}

func (su *StateUpdaters) applyCombatStart(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.CombatStart)
	change, err := su.combat.Start(state, upd.Combatants)
	if err != nil {
		return nil, err
	}
	return []AppliedChange{change}, nil
}

func (su *StateUpdaters) applyCombatEnd(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.CombatEnd)
	change, err := su.combat.End(state, upd.Provenance.Reason)
	if err != nil {
		return nil, err
	}
	return []AppliedChange{change}, nil
}

func (su *StateUpdaters) applyCombatantRemove(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.CombatantRemove)
	change, err := su.combat.RemoveCombatant(state, upd.Target)
	if err != nil {
		return nil, err
	}
	changes := []AppliedChange{change}
	if len(state.Combat.Combatants) == 0 {
		end, err := su.combat.End(state, "no combatants left")
		if err != nil {
			return nil, err
		}
		changes = append(changes, end)
	}
	return changes, nil
}

func (su *StateUpdaters) applyLocation(state *models.SessionState, u models.Update) ([]AppliedChange, error) {
	upd := u.(models.LocationChange)
	loc := strings.TrimSpace(upd.Location)
	if loc == "" {
		return nil, errors.NewInvariantViolationError("empty location")
	}
	prev := state.Location
	state.Location = loc
	return []AppliedChange{{
		Event: models.EventLocationChanged,
		Payload: withProvenance(map[string]interface{}{
			"location": loc,
			"previous": prev,
		}, upd.Provenance),
	}}, nil
}

func withProvenance(payload map[string]interface{}, p models.Provenance) map[string]interface{} {
	if p.Source != "" {
		payload["source"] = p.Source
	}
	if p.Reason != "" {
		payload["reason"] = p.Reason
	}
	return payload
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
