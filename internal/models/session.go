// internal/models/session.go
package models

import "time"

// ChatRole 聊天消息角色
type ChatRole string

const (
	RolePlayer   ChatRole = "player"
	RoleNarrator ChatRole = "narrator"
	RoleSystem   ChatRole = "system"
	RoleDice     ChatRole = "dice"
)

// ChatMessage 聊天历史中的一条消息
type ChatMessage struct {
	ID            string    `json:"id"`
	Role          ChatRole  `json:"role"`
	SpeakerID     string    `json:"speaker_id,omitempty"`
	Content       string    `json:"content"`
	Reasoning     string    `json:"reasoning,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SessionCounters 会话级计数
type SessionCounters struct {
	Actions        int `json:"actions"`
	EngineCalls    int `json:"engine_calls"`
	UpdatesApplied int `json:"updates_applied"`
	UpdatesDropped int `json:"updates_dropped"`
	ForcedTurnEnds int `json:"forced_turn_ends"`
}

// SessionState 当前游戏会话的全部可变状态
type SessionState struct {
	SessionID   string                     `json:"session_id"`
	Party       map[string]*CharacterState `json:"party"`
	Location    string                     `json:"location"`
	ChatHistory []ChatMessage              `json:"chat_history"`
	PendingDice []DiceRequest              `json:"pending_dice"`
	Combat      CombatState                `json:"combat"`
	Quests      map[string]*Quest          `json:"quests"`
	NPCs        map[string]*NPC            `json:"npcs"`
	WorldLore   []string                   `json:"world_lore"`
	Counters    SessionCounters            `json:"counters"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// NewSessionState 创建空会话
func NewSessionState(sessionID string) *SessionState {
	now := time.Now()
	return &SessionState{
		SessionID: sessionID,
		Party:     make(map[string]*CharacterState),
		Quests:    make(map[string]*Quest),
		NPCs:      make(map[string]*NPC),
		Combat:    CombatState{Phase: PhaseInactive},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone 深拷贝会话状态
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Party = make(map[string]*CharacterState, len(s.Party))
	for id, c := range s.Party {
		out.Party[id] = c.Clone()
	}
	out.ChatHistory = append([]ChatMessage(nil), s.ChatHistory...)
	out.PendingDice = make([]DiceRequest, len(s.PendingDice))
	for i, r := range s.PendingDice {
		r.TargetIDs = append([]string(nil), r.TargetIDs...)
		if r.DC != nil {
			dc := *r.DC
			r.DC = &dc
		}
		out.PendingDice[i] = r
	}
	out.Combat = s.Combat.Clone()
	out.Quests = make(map[string]*Quest, len(s.Quests))
	for id, q := range s.Quests {
		cp := *q
		out.Quests[id] = &cp
	}
	out.NPCs = make(map[string]*NPC, len(s.NPCs))
	for id, n := range s.NPCs {
		cp := *n
		out.NPCs[id] = &cp
	}
	out.WorldLore = append([]string(nil), s.WorldLore...)
	return &out
}

// ChatTail 返回最后 n 条聊天消息
func (s *SessionState) ChatTail(n int) []ChatMessage {
	if n <= 0 || len(s.ChatHistory) <= n {
		return append([]ChatMessage(nil), s.ChatHistory...)
	}
	return append([]ChatMessage(nil), s.ChatHistory[len(s.ChatHistory)-n:]...)
}

// PendingDiceByID 按ID查找挂起的骰子请求
func (s *SessionState) PendingDiceByID(id string) (DiceRequest, bool) {
	for _, r := range s.PendingDice {
		if r.ID == id {
			return r, true
		}
	}
	return DiceRequest{}, false
}
