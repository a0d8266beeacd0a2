package models

import "time"

// Bot - внешнее состояние бота-владельца ордеров.
// Очередь только читает статус и переводит exiting -> active при брошенном выходе.
type Bot struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Status       string    `json:"status" db:"status"`
	StatusReason string    `json:"status_reason,omitempty" db:"status_reason"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Статусы бота
const (
	BotStatusActive    = "active"
	BotStatusExiting   = "exiting"
	BotStatusPaused    = "paused"
	BotStatusCompleted = "completed"
)
