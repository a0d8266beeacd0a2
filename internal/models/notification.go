package models

import "time"

// Notification - событие для владельца бота (доставка вне этого сервиса)
type Notification struct {
	ID        int64                  `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error
	UserID    string                 `json:"user_id,omitempty" db:"user_id"`
	BotID     string                 `json:"bot_id,omitempty" db:"bot_id"`
	OrderID   *int64                 `json:"order_id,omitempty" db:"order_id"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSONB
}

// Типы уведомлений
const (
	NotificationTypeOrderFailed    = "ORDER_FAILED"    // ордер исчерпал попытки
	NotificationTypeOrderAbandoned = "ORDER_ABANDONED" // сработала защита от бесконечного цикла
	NotificationTypeBotRecovered   = "BOT_RECOVERED"   // бот возвращён из exiting в active
	NotificationTypeBreakerOpen    = "BREAKER_OPEN"    // ключ временно исключён
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
