package websocket

import (
	"time"

	"github.com/shopspring/decimal"

	"orderqueue/internal/bot"
	"orderqueue/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeOrderUpdate - изменение статуса ордера
	// Отправляется при создании, захвате, завершении, повторе и сбросе зависшего ордера
	MessageTypeOrderUpdate MessageType = "orderUpdate"

	// MessageTypeNotification - новая запись журнала уведомлений
	MessageTypeNotification MessageType = "notification"

	// MessageTypeBreakerState - смена состояния выключателя ключа
	MessageTypeBreakerState MessageType = "breakerState"

	// MessageTypeBotRecovered - бот возвращён в active после брошенного выхода
	MessageTypeBotRecovered MessageType = "botRecovered"

	// MessageTypeTickSummary - итог тика исполнителя
	MessageTypeTickSummary MessageType = "tickSummary"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// OrderUpdateMessage - сообщение об изменении ордера
type OrderUpdateMessage struct {
	BaseMessage
	Data *OrderUpdateData `json:"data"`
}

// OrderUpdateData - публичная часть ордера.
// История ошибок не отправляется целиком: только счётчик и последняя ошибка.
type OrderUpdateData struct {
	ID              int64           `json:"id"`
	ClientOrderID   string          `json:"client_order_id"`
	UserID          string          `json:"user_id"`
	BotID           string          `json:"bot_id"`
	Pair            string          `json:"pair"`
	Side            string          `json:"side"`
	Status          string          `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	ErrorCount      int             `json:"error_count"`
	LastError       string          `json:"last_error,omitempty"`
	NextRetryAt     time.Time       `json:"next_retry_at"`
	CredentialUsed  string          `json:"credential_used,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	Abandoned       bool            `json:"abandoned"`
}

// NewOrderUpdateMessage создает сообщение из ордера
func NewOrderUpdateMessage(order *models.Order) *OrderUpdateMessage {
	return &OrderUpdateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeOrderUpdate, Timestamp: time.Now()},
		Data: &OrderUpdateData{
			ID:              order.ID,
			ClientOrderID:   order.ClientOrderID,
			UserID:          order.UserID,
			BotID:           order.BotID,
			Pair:            order.Pair,
			Side:            order.Side,
			Status:          order.Status,
			Attempts:        order.Attempts,
			MaxAttempts:     order.MaxAttempts,
			ErrorCount:      order.ErrorCount(),
			LastError:       order.LastError,
			NextRetryAt:     order.NextRetryAt,
			CredentialUsed:  order.CredentialUsed,
			ExchangeOrderID: order.ExchangeOrderID,
			ExecutedPrice:   order.ExecutedPrice,
			ExecutedVolume:  order.ExecutedVolume,
			Abandoned:       order.Abandoned,
		},
	}
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// NewNotificationMessage создает сообщение из уведомления
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{Type: MessageTypeNotification, Timestamp: time.Now()},
		Data:        n,
	}
}

// BreakerStateMessage - сообщение о смене состояния выключателя
type BreakerStateMessage struct {
	BaseMessage
	Data bot.BreakerSnapshot `json:"data"`
}

// NewBreakerStateMessage создает сообщение из снимка выключателя
func NewBreakerStateMessage(snap bot.BreakerSnapshot) *BreakerStateMessage {
	return &BreakerStateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeBreakerState, Timestamp: time.Now()},
		Data:        snap,
	}
}

// BotRecoveredMessage - сообщение о восстановлении бота
type BotRecoveredMessage struct {
	BaseMessage
	BotID   string `json:"bot_id"`
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// NewBotRecoveredMessage создает сообщение о восстановлении бота
func NewBotRecoveredMessage(botID string, orderID int64, reason string) *BotRecoveredMessage {
	return &BotRecoveredMessage{
		BaseMessage: BaseMessage{Type: MessageTypeBotRecovered, Timestamp: time.Now()},
		BotID:       botID,
		OrderID:     orderID,
		Reason:      reason,
	}
}

// TickSummaryMessage - итог тика
type TickSummaryMessage struct {
	BaseMessage
	Data bot.TickResult `json:"data"`
}

// NewTickSummaryMessage создает сообщение из итога тика
func NewTickSummaryMessage(res bot.TickResult) *TickSummaryMessage {
	return &TickSummaryMessage{
		BaseMessage: BaseMessage{Type: MessageTypeTickSummary, Timestamp: time.Now()},
		Data:        res,
	}
}
