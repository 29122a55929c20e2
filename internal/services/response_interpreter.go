// internal/services/response_interpreter.go
package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Corphon/SceneIntruderGM/internal/dice"
	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
)

// ResponseMode 引擎输出的解析模式
type ResponseMode string

const (
	// ModeStrict 整个输出必须是一个完全符合结构的JSON对象
	ModeStrict ResponseMode = "strict"
	// ModeFlexible 在自由文本中寻找第一个完整的JSON对象
	ModeFlexible ResponseMode = "flexible"
)

// ParseResponseMode 解析配置值，未知值按 flexible 处理
func ParseResponseMode(s string) ResponseMode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeStrict)) {
		return ModeStrict
	}
	return ModeFlexible
}

// TargetResolver 判断更新目标是否存在
type TargetResolver interface {
	HasTarget(id string) bool
}

// Interpretation 引擎输出解析后的结果，不修改任何状态
type Interpretation struct {
	Narrative    string
	Reasoning    string
	Updates      []models.Update
	DiceRequests []models.DiceRequest
	EndTurn      bool
	AutoContinue bool
	Warnings     []string

	// DroppedUpdates 因目标未知或格式错误被丢弃的更新数
	DroppedUpdates int
}

// engineOutput 引擎输出的线上格式
type engineOutput struct {
	Narrative    string       `json:"narrative"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Updates      []wireUpdate `json:"updates,omitempty"`
	DiceRequests []wireDice   `json:"dice_requests,omitempty"`
	EndTurn      bool         `json:"end_turn,omitempty"`
	Continue     bool         `json:"continue,omitempty"`
}

type wireUpdate struct {
	Type       string                 `json:"type"`
	Target     string                 `json:"target,omitempty"`
	Value      *int                   `json:"value,omitempty"`
	Item       string                 `json:"item,omitempty"`
	Quantity   *int                   `json:"quantity,omitempty"`
	Condition  string                 `json:"condition,omitempty"`
	QuestID    string                 `json:"quest_id,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Location   string                 `json:"location,omitempty"`
	Combatants []models.CombatantSeed `json:"combatants,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

type wireDice struct {
	ID      string   `json:"id,omitempty"`
	Formula string   `json:"formula"`
	Purpose string   `json:"purpose,omitempty"`
	DC      *int     `json:"dc,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// LLM 输出中常见的 Markdown 围栏，只在JSON对象之外去除
var fenceReplacer = strings.NewReplacer(
	"```json", "",
	"```JSON", "",
	"```", "",
)

// LLM 输出中常见的不可见字符
var engineNoiseReplacer = strings.NewReplacer(
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

// ResponseInterpreter 把引擎原始输出转换为类型化的更新
type ResponseInterpreter struct{}

// NewResponseInterpreter 创建解析器
func NewResponseInterpreter() *ResponseInterpreter {
	return &ResponseInterpreter{}
}

// Interpret 解析原始输出，resolver 为 nil 时不检查目标
func (ri *ResponseInterpreter) Interpret(raw string, mode ResponseMode, resolver TargetResolver) (*Interpretation, error) {
	var (
		out       engineOutput
		reasoning string
		err       error
	)
	if mode == ModeStrict {
		out, err = decodeStrict(raw)
		if err != nil {
			return nil, err
		}
	} else {
		out, reasoning, err = decodeFlexible(raw)
		if err != nil {
			return nil, err
		}
	}

	result := &Interpretation{
		Narrative:    strings.TrimSpace(out.Narrative),
		Reasoning:    joinNonEmpty("\n", reasoning, strings.TrimSpace(out.Reasoning)),
		EndTurn:      out.EndTurn,
		AutoContinue: out.Continue,
	}
	if result.Narrative == "" {
		if mode == ModeStrict {
			return nil, errors.NewSchemaViolationError("narrative is required", nil)
		}
		result.warn("engine output has no narrative")
	}

	known := newTargetSet(resolver)
	for i, wu := range out.Updates {
		upd, warning, err := convertUpdate(wu, known)
		if err != nil {
			if mode == ModeStrict {
				return nil, errors.NewSchemaViolationError(fmt.Sprintf("updates[%d]", i), err)
			}
			result.warn(fmt.Sprintf("updates[%d] dropped: %v", i, err))
			result.DroppedUpdates++
			continue
		}
		if warning != "" {
			result.warn(fmt.Sprintf("updates[%d] dropped: %s", i, warning))
			result.DroppedUpdates++
			continue
		}
		result.Updates = append(result.Updates, upd)
	}

	for i, wd := range out.DiceRequests {
		req, warning := convertDice(wd, known)
		if warning != "" {
			result.warn(fmt.Sprintf("dice_requests[%d] dropped: %s", i, warning))
			continue
		}
		result.DiceRequests = append(result.DiceRequests, req)
	}
	return result, nil
}

func (r *Interpretation) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// decodeStrict 整个负载必须是单个对象，未知字段和尾随内容都视为违规
func decodeStrict(raw string) (engineOutput, error) {
	var out engineOutput
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return out, errors.NewSchemaViolationError("output is not a JSON object", nil)
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, errors.NewSchemaViolationError("output does not match the engine schema", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return out, errors.NewSchemaViolationError("trailing data after JSON object", nil)
	}
	return out, nil
}

// decodeFlexible 提取第一个平衡的JSON对象，对象外的文本作为推理说明
func decodeFlexible(raw string) (engineOutput, string, error) {
	var out engineOutput
	text := cleanEngineText(raw)
	start, end, ok := findJSONObject(text)
	if !ok {
		return out, "", errors.NewNoJSONFoundError("no JSON object found in engine output")
	}
	span := text[start:end]
	reasoning := joinNonEmpty("\n",
		strings.TrimSpace(fenceReplacer.Replace(text[:start])),
		strings.TrimSpace(fenceReplacer.Replace(text[end:])))

	doc := gjson.Parse(span)
	out.Narrative = doc.Get("narrative").String()
	out.Reasoning = doc.Get("reasoning").String()
	out.EndTurn = doc.Get("end_turn").Bool()
	out.Continue = doc.Get("continue").Bool()

	doc.Get("updates").ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			out.Updates = append(out.Updates, wireUpdateFromJSON(v))
		}
		return true
	})
	doc.Get("dice_requests").ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			out.DiceRequests = append(out.DiceRequests, wireDiceFromJSON(v))
		}
		return true
	})
	return out, reasoning, nil
}

func wireUpdateFromJSON(v gjson.Result) wireUpdate {
	wu := wireUpdate{
		Type:      v.Get("type").String(),
		Target:    v.Get("target").String(),
		Item:      v.Get("item").String(),
		Condition: v.Get("condition").String(),
		QuestID:   v.Get("quest_id").String(),
		Title:     v.Get("title").String(),
		Status:    v.Get("status").String(),
		Location:  v.Get("location").String(),
		Source:    v.Get("source").String(),
		Reason:    v.Get("reason").String(),
	}
	if r := v.Get("value"); r.Exists() {
		n := int(r.Int())
		wu.Value = &n
	}
	if r := v.Get("quantity"); r.Exists() {
		n := int(r.Int())
		wu.Quantity = &n
	}
	v.Get("combatants").ForEach(func(_, c gjson.Result) bool {
		wu.Combatants = append(wu.Combatants, models.CombatantSeed{
			ID:                 c.Get("id").String(),
			Name:               c.Get("name").String(),
			Initiative:         int(c.Get("initiative").Int()),
			InitiativeModifier: int(c.Get("initiative_modifier").Int()),
			HP:                 int(c.Get("hp").Int()),
			MaxHP:              int(c.Get("max_hp").Int()),
			ArmorClass:         int(c.Get("armor_class").Int()),
			IsPlayerControlled: c.Get("is_player_controlled").Bool(),
		})
		return true
	})
	return wu
}

func wireDiceFromJSON(v gjson.Result) wireDice {
	wd := wireDice{
		ID:      v.Get("id").String(),
		Formula: v.Get("formula").String(),
		Purpose: v.Get("purpose").String(),
	}
	if r := v.Get("dc"); r.Exists() && r.Type != gjson.Null {
		n := int(r.Int())
		wd.DC = &n
	}
	v.Get("targets").ForEach(func(_, t gjson.Result) bool {
		wd.Targets = append(wd.Targets, t.String())
		return true
	})
	return wd
}

// cleanEngineText 去除不可见字符和控制字符
func cleanEngineText(s string) string {
	s = engineNoiseReplacer.Replace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// findJSONObject 返回第一个括号平衡且合法的 {...} 区间
func findJSONObject(s string) (int, int, bool) {
	for from := 0; from < len(s); {
		rel := strings.IndexByte(s[from:], '{')
		if rel < 0 {
			return 0, 0, false
		}
		start := from + rel
		if end, ok := balancedObjectEnd(s, start); ok && gjson.Valid(s[start:end]) {
			return start, end, true
		}
		from = start + 1
	}
	return 0, 0, false
}

func balancedObjectEnd(s string, start int) (int, bool) {
	balance := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			balance++
		case '}':
			balance--
			if balance == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// targetSet 解析器已知目标，加上同一输出中 combat_start 引入的参与者
type targetSet struct {
	resolver TargetResolver
	extra    map[string]bool
}

func newTargetSet(resolver TargetResolver) *targetSet {
	return &targetSet{resolver: resolver, extra: make(map[string]bool)}
}

func (ts *targetSet) has(id string) bool {
	if ts.resolver == nil || ts.extra[id] {
		return true
	}
	return ts.resolver.HasTarget(id)
}

// convertUpdate 返回 (更新, 丢弃原因, 结构错误)
func convertUpdate(wu wireUpdate, known *targetSet) (models.Update, string, error) {
	prov := models.Provenance{Source: wu.Source, Reason: wu.Reason}
	targeted := models.Targeted{Target: strings.TrimSpace(wu.Target), Provenance: prov}
	untargeted := models.Untargeted{Provenance: prov}

	needTarget := func() string {
		if targeted.Target == "" {
			return "missing target"
		}
		if !known.has(targeted.Target) {
			return fmt.Sprintf("unknown target %q", targeted.Target)
		}
		return ""
	}
	quantity := 1
	if wu.Quantity != nil && *wu.Quantity > 0 {
		quantity = *wu.Quantity
	}

	switch models.UpdateKind(strings.ToLower(wu.Type)) {
	case models.UpdateHPChange, "damage", "heal":
		if wu.Value == nil {
			return nil, "", fmt.Errorf("%s requires value", wu.Type)
		}
		delta := *wu.Value
		switch strings.ToLower(wu.Type) {
		case "damage":
			delta = -abs(delta)
		case "heal":
			delta = abs(delta)
		}
		if w := needTarget(); w != "" {
			return nil, w, nil
		}
		return models.HPChange{Targeted: targeted, Delta: delta}, "", nil

	case models.UpdateConditionAdd, models.UpdateConditionRemove:
		if wu.Condition == "" {
			return nil, "", fmt.Errorf("%s requires condition", wu.Type)
		}
		if w := needTarget(); w != "" {
			return nil, w, nil
		}
		if models.UpdateKind(strings.ToLower(wu.Type)) == models.UpdateConditionAdd {
			return models.ConditionAdd{Targeted: targeted, Condition: wu.Condition}, "", nil
		}
		return models.ConditionRemove{Targeted: targeted, Condition: wu.Condition}, "", nil

	case models.UpdateInventoryAdd, models.UpdateInventoryRemove:
		if wu.Item == "" {
			return nil, "", fmt.Errorf("%s requires item", wu.Type)
		}
		if w := needTarget(); w != "" {
			return nil, w, nil
		}
		if models.UpdateKind(strings.ToLower(wu.Type)) == models.UpdateInventoryAdd {
			return models.InventoryAdd{Targeted: targeted, Item: wu.Item, Quantity: quantity}, "", nil
		}
		return models.InventoryRemove{Targeted: targeted, Item: wu.Item, Quantity: quantity}, "", nil

	case models.UpdateGoldChange:
		if wu.Value == nil {
			return nil, "", fmt.Errorf("%s requires value", wu.Type)
		}
		if w := needTarget(); w != "" {
			return nil, w, nil
		}
		return models.GoldChange{Targeted: targeted, Delta: *wu.Value}, "", nil

	case models.UpdateQuestStatusChange:
		questID := wu.QuestID
		if questID == "" {
			questID = targeted.Target
		}
		if questID == "" || wu.Status == "" {
			return nil, "", fmt.Errorf("%s requires quest_id and status", wu.Type)
		}
		return models.QuestStatusChange{
			Untargeted: untargeted,
			QuestID:    questID,
			Title:      wu.Title,
			Status:     models.QuestStatus(strings.ToLower(wu.Status)),
		}, "", nil

	case models.UpdateCombatStart:
		if len(wu.Combatants) == 0 {
			return nil, "", fmt.Errorf("%s requires combatants", wu.Type)
		}
		for _, c := range wu.Combatants {
			if c.ID != "" {
				known.extra[c.ID] = true
			}
		}
		return models.CombatStart{Untargeted: untargeted, Combatants: wu.Combatants}, "", nil

	case models.UpdateCombatEnd:
		return models.CombatEnd{Untargeted: untargeted}, "", nil

	case models.UpdateCombatantRemove:
		if w := needTarget(); w != "" {
			return nil, w, nil
		}
		return models.CombatantRemove{Targeted: targeted}, "", nil

	case models.UpdateLocationChange:
		if wu.Location == "" {
			return nil, "", fmt.Errorf("%s requires location", wu.Type)
		}
		return models.LocationChange{Untargeted: untargeted, Location: wu.Location}, "", nil
	}
	return nil, "", fmt.Errorf("unknown update type %q", wu.Type)
}

// convertDice 校验公式和目标，返回丢弃原因
func convertDice(wd wireDice, known *targetSet) (models.DiceRequest, string) {
	if _, err := dice.Parse(wd.Formula); err != nil {
		return models.DiceRequest{}, fmt.Sprintf("invalid formula %q: %v", wd.Formula, err)
	}
	req := models.DiceRequest{
		ID:      strings.TrimSpace(wd.ID),
		Formula: strings.TrimSpace(wd.Formula),
		Purpose: wd.Purpose,
		DC:      wd.DC,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	for _, t := range wd.Targets {
		if !known.has(t) {
			return models.DiceRequest{}, fmt.Sprintf("unknown target %q", t)
		}
		req.TargetIDs = append(req.TargetIDs, t)
	}
	return req, ""
}

func joinNonEmpty(sep string, parts ...string) string {
	var buf bytes.Buffer
	for _, p := range parts {
		if p == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(p)
	}
	return buf.String()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
