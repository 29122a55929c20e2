// internal/models/event.go
package models

import "time"

// EventType 事件类型
type EventType string

const (
	EventChatMessage      EventType = "chat_message"
	EventHPChanged        EventType = "hp_changed"
	EventConditionAdded   EventType = "condition_added"
	EventConditionRemoved EventType = "condition_removed"
	EventInventoryAdded   EventType = "inventory_added"
	EventInventoryRemoved EventType = "inventory_removed"
	EventGoldChanged      EventType = "gold_changed"
	EventQuestUpdated     EventType = "quest_updated"
	EventCombatStarted    EventType = "combat_started"
	EventCombatEnded      EventType = "combat_ended"
	EventCombatantRemoved EventType = "combatant_removed"
	EventLocationChanged  EventType = "location_changed"
	EventTurnAdvanced     EventType = "turn_advanced"
	EventDiceRequested    EventType = "dice_requested"
	EventDiceResolved     EventType = "dice_resolved"
	EventBackendBusy      EventType = "backend_busy"
	EventBackendIdle      EventType = "backend_idle"
	EventError            EventType = "error"
	EventSystemMessage    EventType = "system_message"
)

// Event 追加到事件日志后不可变
type Event struct {
	Seq           uint64                 `json:"seq"`
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          EventType              `json:"type"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}
