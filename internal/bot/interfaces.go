package bot

import (
	"context"
	"time"

	"orderqueue/internal/exchange"
	"orderqueue/internal/models"
	"orderqueue/internal/service"
)

// Queue - операции очереди, которые использует исполнитель.
// Реализуется service.OrderQueue.
type Queue interface {
	GetOrdersEligibleForExecution(ctx context.Context, now time.Time, limit int) ([]*models.Order, error)
	Claim(ctx context.Context, order *models.Order, credentialID string) (*models.Order, error)
	MarkCompleted(ctx context.Context, id int64, result models.OrderResult) (*models.Order, error)
	MarkFailed(ctx context.Context, order *models.Order, f service.Failure) (*models.Order, error)
	Defer(ctx context.Context, order *models.Order, delay time.Duration) (*models.Order, error)
	ResetStuckOrders(ctx context.Context, timeout time.Duration) (int, error)
	MarkRecovered(ctx context.Context, id int64) (bool, error)
	GetUnrecoveredAbandonedExits(ctx context.Context, limit int) ([]*models.Order, error)
	Depth(ctx context.Context) (map[string]int, error)
}

// CredentialSource выдаёт расшифрованные ключи пользователя по приоритету.
// Реализуется service.CredentialService.
type CredentialSource interface {
	ListUsable(ctx context.Context, userID string) ([]exchange.Credential, error)
}

// BotStatusStore - внешнее состояние ботов (repository.BotRepository)
type BotStatusStore interface {
	GetStatus(ctx context.Context, id string) (string, error)
	TransitionStatus(ctx context.Context, id, from, to, reason string) (bool, error)
}

// Notifier - журнал событий для владельцев ботов (service.NotificationService)
type Notifier interface {
	NotifyOrderFailed(ctx context.Context, order *models.Order) error
	NotifyOrderAbandoned(ctx context.Context, order *models.Order) error
	NotifyBotRecovered(ctx context.Context, order *models.Order) error
	NotifyBreakerOpen(ctx context.Context, credentialID string, failures int, resetAfter time.Duration) error
}

// EventBroadcaster - realtime события для подписчиков
//
// Реализуется пакетом internal/websocket/Hub:
// - breakerState: смена состояния выключателя ключа
// - botRecovered: бот возвращён в active
// - tickSummary: итог каждого тика
type EventBroadcaster interface {
	BroadcastBreakerState(snap BreakerSnapshot)
	BroadcastBotRecovered(botID string, orderID int64, reason string)
	BroadcastTickSummary(res TickResult)
}

// Проверяем, что сервисы реализуют интерфейсы исполнителя
var (
	_ Queue               = (*service.OrderQueue)(nil)
	_ CredentialSource    = (*service.CredentialService)(nil)
	_ Notifier            = (*service.NotificationService)(nil)
	_ NotificationCleaner = (*service.NotificationService)(nil)
)
