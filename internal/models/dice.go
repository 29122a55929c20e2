// internal/models/dice.go
package models

import "time"

// DiceRequest 引擎要求玩家投掷的骰子
type DiceRequest struct {
	ID               string    `json:"id"`
	Formula          string    `json:"formula"`
	Purpose          string    `json:"purpose"`
	DC               *int      `json:"dc,omitempty"`
	TargetIDs        []string  `json:"target_ids,omitempty"`
	RequestContextID string    `json:"request_context_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// DiceSubmission 玩家提交的投掷结果
type DiceSubmission struct {
	RequestID string `json:"request_id"`
	Rolls     []int  `json:"rolls"`
}

// DiceResult 对照公式核算后的结果
type DiceResult struct {
	RequestID string `json:"request_id"`
	Formula   string `json:"formula"`
	Purpose   string `json:"purpose,omitempty"`
	Rolls     []int  `json:"rolls"`
	Modifier  int    `json:"modifier"`
	Total     int    `json:"total"`
	DC        *int   `json:"dc,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Summary   string `json:"summary"`
}
