// internal/services/context_builder.go
package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/SceneIntruderGM/internal/models"
)

const (
	engineRoleUser      = "user"
	engineRoleAssistant = "assistant"
)

const gmInstructions = `You are the game master of a turn-based tabletop role-playing session.
Narrate the consequences of the latest input and decide what happens next.

Reply with a single JSON object and nothing else inside it:
{
  "narrative": "text shown to the players (required)",
  "reasoning": "optional private notes",
  "updates": [
    {"type": "hp_change", "target": "<id>", "value": -5, "source": "goblin", "reason": "scimitar hit"},
    {"type": "condition_add" | "condition_remove", "target": "<id>", "condition": "poisoned"},
    {"type": "inventory_add" | "inventory_remove", "target": "<id>", "item": "rope", "quantity": 1},
    {"type": "gold_change", "target": "<id>", "value": 10},
    {"type": "quest_status_change", "quest_id": "<id>", "title": "...", "status": "active|completed|failed"},
    {"type": "combat_start", "combatants": [{"id": "goblin-1", "name": "Goblin", "initiative": 12, "initiative_modifier": 2, "hp": 7, "max_hp": 7, "armor_class": 15}]},
    {"type": "combat_end"},
    {"type": "combatant_remove", "target": "<id>"},
    {"type": "location_change", "location": "..."}
  ],
  "dice_requests": [{"id": "optional", "formula": "1d20+3", "purpose": "Stealth check", "dc": 15, "targets": ["<id>"]}],
  "end_turn": false,
  "continue": false
}

Only reference ids listed in the state below. Ask for dice instead of rolling for the players.
Set "end_turn" when the acting combatant's turn is over. Set "continue" when another
non-player step should follow immediately without player input.`

// ContextBuilder 组装发给叙事引擎的请求上下文
type ContextBuilder struct {
	historySize int
	lore        *LoreIndex
	loreTopK    int
}

// NewContextBuilder lore 为 nil 时不检索设定
func NewContextBuilder(historySize int, lore *LoreIndex, loreTopK int) *ContextBuilder {
	return &ContextBuilder{historySize: historySize, lore: lore, loreTopK: loreTopK}
}

// Build 由当前状态生成请求上下文；input 非空时作为最后一条用户消息
func (b *ContextBuilder) Build(state *models.SessionState, kind models.RequestKind, correlationID, actorID, input string, depth int) *models.RequestContext {
	tail := state.ChatTail(b.historySize)

	var snippets []string
	if b.lore != nil && b.loreTopK > 0 {
		b.lore.Sync(state.WorldLore)
		snippets = b.lore.Search(loreQuery(tail, input, state.Location), b.loreTopK)
	}

	return &models.RequestContext{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Kind:          kind,
		ActorID:       actorID,
		SystemPrompt:  gmInstructions + "\n\n" + describeState(state, snippets),
		Messages:      engineMessages(tail, input),
		Depth:         depth,
		CreatedAt:     time.Now(),
	}
}

// engineMessages 聊天记录转为引擎消息；第一条必须是用户消息
func engineMessages(tail []models.ChatMessage, input string) []models.EngineMessage {
	msgs := make([]models.EngineMessage, 0, len(tail)+1)
	for _, m := range tail {
		switch m.Role {
		case models.RoleNarrator:
			if len(msgs) == 0 {
				continue
			}
			msgs = append(msgs, models.EngineMessage{Role: engineRoleAssistant, Content: m.Content})
		case models.RolePlayer:
			content := m.Content
			if m.SpeakerID != "" {
				content = fmt.Sprintf("[%s] %s", m.SpeakerID, m.Content)
			}
			msgs = append(msgs, models.EngineMessage{Role: engineRoleUser, Content: content})
		default:
			msgs = append(msgs, models.EngineMessage{Role: engineRoleUser, Content: fmt.Sprintf("(%s) %s", m.Role, m.Content)})
		}
	}
	if input != "" {
		msgs = append(msgs, models.EngineMessage{Role: engineRoleUser, Content: input})
	}
	if len(msgs) == 0 {
		msgs = append(msgs, models.EngineMessage{Role: engineRoleUser, Content: "Begin the scene."})
	}
	return msgs
}

func loreQuery(tail []models.ChatMessage, input, location string) string {
	parts := []string{input, location}
	for i := len(tail) - 1; i >= 0 && i >= len(tail)-3; i-- {
		parts = append(parts, tail[i].Content)
	}
	return strings.Join(parts, " ")
}

// describeState 当前状态的文本快照
func describeState(state *models.SessionState, lore []string) string {
	var sb strings.Builder
	sb.WriteString("## Current state\n")
	if state.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", state.Location)
	}

	sb.WriteString("Party:\n")
	ids := make([]string, 0, len(state.Party))
	for id := range state.Party {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := state.Party[id]
		fmt.Fprintf(&sb, "- %s (id %s): HP %d/%d", c.Name, c.ID, c.CurrentHP, c.MaxHP)
		if c.TempHP > 0 {
			fmt.Fprintf(&sb, " +%d temp", c.TempHP)
		}
		fmt.Fprintf(&sb, ", AC %d, gold %d", c.ArmorClass, c.Gold)
		if len(c.Conditions) > 0 {
			fmt.Fprintf(&sb, ", conditions: %s", strings.Join(c.Conditions, ", "))
		}
		if len(c.Inventory) > 0 {
			items := make([]string, 0, len(c.Inventory))
			for _, it := range c.Inventory {
				items = append(items, fmt.Sprintf("%s x%d", it.Name, it.Quantity))
			}
			fmt.Fprintf(&sb, ", carrying: %s", strings.Join(items, ", "))
		}
		sb.WriteString("\n")
	}

	if state.Combat.IsActive {
		fmt.Fprintf(&sb, "Combat: round %d\n", state.Combat.RoundNumber)
		for i, c := range state.Combat.Combatants {
			marker := " "
			if i == state.Combat.CurrentTurnIndex {
				marker = ">"
			}
			control := "npc"
			if c.IsPlayerControlled {
				control = "player"
			}
			fmt.Fprintf(&sb, "%s %s (id %s, %s): init %d, HP %d/%d", marker, c.Name, c.ID, control, c.Initiative, c.HP, c.MaxHP)
			if len(c.Conditions) > 0 {
				fmt.Fprintf(&sb, ", conditions: %s", strings.Join(c.Conditions, ", "))
			}
			sb.WriteString("\n")
		}
	}

	if len(state.PendingDice) > 0 {
		sb.WriteString("Waiting on dice:\n")
		for _, r := range state.PendingDice {
			fmt.Fprintf(&sb, "- %s: %s (%s)\n", r.ID, r.Formula, r.Purpose)
		}
	}

	if len(state.Quests) > 0 {
		sb.WriteString("Quests:\n")
		qids := make([]string, 0, len(state.Quests))
		for id := range state.Quests {
			qids = append(qids, id)
		}
		sort.Strings(qids)
		for _, id := range qids {
			q := state.Quests[id]
			fmt.Fprintf(&sb, "- %s (id %s): %s\n", q.Title, q.ID, q.Status)
		}
	}

	if len(lore) > 0 {
		sb.WriteString("Relevant lore:\n")
		for _, l := range lore {
			fmt.Fprintf(&sb, "- %s\n", l)
		}
	}
	return sb.String()
}
