package service

import (
	"context"
	"time"

	"orderqueue/internal/models"
	"orderqueue/internal/repository"
)

// OrderStore определяет интерфейс хранилища ордеров
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error)
	GetByUser(ctx context.Context, userID string) ([]*models.Order, error)
	GetActiveByBot(ctx context.Context, botID string) (*models.Order, error)
	GetEligible(ctx context.Context, now time.Time, limit int) ([]*models.Order, error)
	Claim(ctx context.Context, id int64, fromStatus, credentialID string, now time.Time) (*models.Order, error)
	Complete(ctx context.Context, id int64, result models.OrderResult, now time.Time) (*models.Order, error)
	RecordFailure(ctx context.Context, id int64, upd repository.FailureUpdate, now time.Time) (*models.Order, error)
	Defer(ctx context.Context, id int64, fromStatus string, nextRetryAt, now time.Time) (*models.Order, error)
	ResetStuck(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]*models.Order, error)
	ClearFailedCredentials(ctx context.Context, id int64) error
	ClearAllFailedCredentials(ctx context.Context) (int64, error)
	MarkRecovered(ctx context.Context, id int64, now time.Time) (bool, error)
	GetUnrecoveredAbandonedExits(ctx context.Context, limit int) ([]*models.Order, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// CredentialStore определяет интерфейс хранилища API ключей
type CredentialStore interface {
	Create(ctx context.Context, cred *models.ExchangeCredential) error
	GetByID(ctx context.Context, id string) (*models.ExchangeCredential, error)
	ListEnabledByUser(ctx context.Context, userID string) ([]*models.ExchangeCredential, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// NotificationStore определяет интерфейс журнала уведомлений
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, ts time.Time) (int64, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ OrderStore = (*repository.OrderRepository)(nil)
var _ CredentialStore = (*repository.CredentialRepository)(nil)
var _ NotificationStore = (*repository.NotificationRepository)(nil)

// ============ Интерфейсы для broadcast через WebSocket ============

// OrderBroadcaster - отправка изменений ордеров подписчикам.
// Позволяет избежать циклических зависимостей между пакетами.
type OrderBroadcaster interface {
	BroadcastOrderUpdate(order *models.Order)
}

// NotificationBroadcaster - отправка уведомлений подписчикам
type NotificationBroadcaster interface {
	BroadcastNotification(n *models.Notification)
}
