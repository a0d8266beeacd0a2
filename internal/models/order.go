package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order - ордер в очереди исполнения
//
// Создаётся продюсером (планировщиком стратегии), далее изменяется только
// исполнителем и координатором восстановления. Терминальные записи не удаляются.
type Order struct {
	ID            int64  `json:"id" db:"id"`
	ClientOrderID string `json:"client_order_id" db:"client_order_id"` // ключ идемпотентности
	ExecutionID   string `json:"execution_id,omitempty" db:"execution_id"`

	UserID string `json:"user_id" db:"user_id"`
	BotID  string `json:"bot_id" db:"bot_id"`
	Cycle  int64  `json:"cycle" db:"cycle"` // порядковый номер решения стратегии

	Pair   string              `json:"pair" db:"pair"`
	Side   string              `json:"side" db:"side"` // buy, sell
	Type   string              `json:"type" db:"type"` // market, limit
	Volume decimal.Decimal     `json:"volume" db:"volume"`
	Price  decimal.NullDecimal `json:"price" db:"price"`

	Status        string     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	NextRetryAt   time.Time  `json:"next_retry_at" db:"next_retry_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`

	Errors    []OrderError `json:"errors" db:"errors"` // JSONB, только дописывается
	LastError string       `json:"last_error,omitempty" db:"last_error"`

	CredentialUsed    string   `json:"credential_used,omitempty" db:"credential_used"`
	FailedCredentials []string `json:"failed_credentials" db:"failed_credentials"`

	ExchangeOrderID string          `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	ExecutedPrice   decimal.Decimal `json:"executed_price" db:"executed_price"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume" db:"executed_volume"`

	Abandoned   bool       `json:"abandoned" db:"abandoned"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty" db:"recovered_at"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// OrderError - запись истории неудачных попыток
type OrderError struct {
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error"`
	Kind           string    `json:"kind,omitempty"`
	CredentialUsed string    `json:"credential_used,omitempty"`
}

// OrderSpec - запрос продюсера на создание ордера
type OrderSpec struct {
	ClientOrderID string              `json:"client_order_id,omitempty"` // если пусто - выводится из bot/side/cycle
	ExecutionID   string              `json:"execution_id,omitempty"`
	UserID        string              `json:"user_id"`
	BotID         string              `json:"bot_id"`
	Cycle         int64               `json:"cycle"`
	Pair          string              `json:"pair"`
	Side          string              `json:"side"`
	Type          string              `json:"type"`
	Volume        decimal.Decimal     `json:"volume"`
	Price         decimal.NullDecimal `json:"price"`
	MaxAttempts   int                 `json:"max_attempts,omitempty"`
}

// OrderResult - результат успешного исполнения на бирже
type OrderResult struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
}

// Статусы ордера
const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusRetry      = "RETRY"
	OrderStatusCompleted  = "COMPLETED"
	OrderStatusFailed     = "FAILED"
)

// Стороны и типы
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// ErrorCount возвращает длину истории ошибок
func (o *Order) ErrorCount() int {
	return len(o.Errors)
}

// IsTerminal - COMPLETED или FAILED
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// HasFailedCredential проверяет, исключён ли ключ для этого ордера
func (o *Order) HasFailedCredential(id string) bool {
	for _, c := range o.FailedCredentials {
		if c == id {
			return true
		}
	}
	return false
}

// IsTerminalStatus проверяет статус без экземпляра ордера
func IsTerminalStatus(status string) bool {
	return status == OrderStatusCompleted || status == OrderStatusFailed
}

// ActiveStatuses - нетерминальные статусы (не более одного такого ордера на бота)
var ActiveStatuses = []string{OrderStatusPending, OrderStatusProcessing, OrderStatusRetry}

// orderTransitions - граф переходов статусов ордера.
// Переходы в FAILED из PENDING/RETRY возможны только через защиту от бесконечного цикла,
// PENDING -> RETRY только через отложенную попытку (нет доступного ключа).
var orderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusRetry, OrderStatusFailed},
	OrderStatusRetry:      {OrderStatusProcessing, OrderStatusRetry, OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusRetry, OrderStatusFailed},
}

// CanTransition проверяет допустимость перехода статуса ордера
func CanTransition(from, to string) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
