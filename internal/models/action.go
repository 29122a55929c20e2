// internal/models/action.go
package models

import "time"

// ActionType 客户端提交的动作类型
type ActionType string

const (
	ActionPlayer         ActionType = "player_action"
	ActionDiceSubmission ActionType = "dice_submission"
	ActionAdvance        ActionType = "advance"
	ActionRetry          ActionType = "retry"
)

// Action 带标签的动作负载
type Action struct {
	Type ActionType `json:"type"`
	// RequestID 对于 dice_submission 和 retry 指向目标请求上下文
	RequestID string           `json:"request_id,omitempty"`
	ActorID   string           `json:"actor_id,omitempty"`
	Text      string           `json:"text,omitempty"`
	Dice      []DiceSubmission `json:"dice,omitempty"`
}

// EngineMessage 发给叙事引擎的一条消息
type EngineMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestKind 请求上下文的触发原因
type RequestKind string

const (
	RequestPlayerAction RequestKind = "player_action"
	RequestAdvance      RequestKind = "advance"
	RequestDiceFollowUp RequestKind = "dice_follow_up"
	RequestContinuation RequestKind = "continuation"
)

// RequestContext 一次引擎调用的完整输入，Retry 会原样重发
type RequestContext struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Kind          RequestKind     `json:"kind"`
	ActorID       string          `json:"actor_id,omitempty"`
	SystemPrompt  string          `json:"system_prompt"`
	Messages      []EngineMessage `json:"messages"`
	Depth         int             `json:"depth"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ErrorInfo 响应中的错误描述
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ActionResponse 每个动作返回给客户端的快照
type ActionResponse struct {
	Success       bool                       `json:"success"`
	CorrelationID string                     `json:"correlation_id"`
	Party         map[string]*CharacterState `json:"party"`
	Location      string                     `json:"location"`
	ChatTail      []ChatMessage              `json:"chat_tail"`
	PendingDice   []DiceRequest              `json:"pending_dice"`
	Combat        CombatSummary              `json:"combat"`
	LastSeq       uint64                     `json:"last_seq"`
	Error         *ErrorInfo                 `json:"error,omitempty"`
	CanRetry      bool                       `json:"can_retry"`
	Warnings      []string                   `json:"warnings,omitempty"`
}
