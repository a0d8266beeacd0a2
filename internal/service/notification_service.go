package service

import (
	"context"
	"fmt"
	"time"

	"orderqueue/internal/models"
	"orderqueue/pkg/utils"
)

// NotificationService записывает события для владельцев ботов.
//
// Типы уведомлений:
// - ORDER_FAILED: ордер исчерпал попытки или получил терминальную ошибку
// - ORDER_ABANDONED: сработала защита от бесконечного цикла
// - BOT_RECOVERED: бот возвращён из exiting в active
// - BREAKER_OPEN: ключ временно исключён из ротации
//
// Доставка (email, telegram) вне этого сервиса; журнал читается через API и WebSocket.
type NotificationService struct {
	notifications NotificationStore
	wsHub         NotificationBroadcaster
	log           *utils.Logger
	now           func() time.Time
}

// NewNotificationService создает новый экземпляр NotificationService
func NewNotificationService(notifications NotificationStore, log *utils.Logger) *NotificationService {
	return &NotificationService{
		notifications: notifications,
		log:           utils.OrGlobal(log).WithComponent("notifications"),
		now:           time.Now,
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
//
// Вызывается после инициализации Hub в main.go:
//
//	notifService := service.NewNotificationService(notifRepo, log)
//	notifService.SetWebSocketHub(wsHub)
func (s *NotificationService) SetWebSocketHub(hub NotificationBroadcaster) {
	s.wsHub = hub
}

// CreateNotification сохраняет уведомление и отправляет его подписчикам.
//
// Ошибка записи логируется и возвращается, но не должна прерывать исполнение ордеров:
// вызывающий код считает уведомления best-effort.
func (s *NotificationService) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		s.log.Error("failed to store notification",
			utils.String("type", n.Type),
			utils.BotID(n.BotID),
			utils.Err(err),
		)
		return err
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(n)
	}

	return nil
}

// GetNotifications возвращает последние уведомления (новые сверху).
// limit по умолчанию 100, максимум 500.
func (s *NotificationService) GetNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return s.notifications.GetRecent(ctx, limit)
}

// CleanupOld удаляет уведомления старше maxAge
func (s *NotificationService) CleanupOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := s.notifications.DeleteOlderThan(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("old notifications removed", utils.Int64("deleted", n))
	}
	return n, nil
}

// NotifyOrderFailed - ордер завершился неудачей
func (s *NotificationService) NotifyOrderFailed(ctx context.Context, order *models.Order) error {
	id := order.ID
	return s.CreateNotification(ctx, &models.Notification{
		Type:     models.NotificationTypeOrderFailed,
		Severity: models.SeverityError,
		UserID:   order.UserID,
		BotID:    order.BotID,
		OrderID:  &id,
		Message:  fmt.Sprintf("%s %s %s failed after %d attempts: %s", order.Side, order.Volume.String(), order.Pair, order.Attempts, order.LastError),
		Meta: map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"attempts":        order.Attempts,
			"errors":          order.ErrorCount(),
		},
	})
}

// NotifyOrderAbandoned - ордер брошен защитой от бесконечного цикла
func (s *NotificationService) NotifyOrderAbandoned(ctx context.Context, order *models.Order) error {
	id := order.ID
	return s.CreateNotification(ctx, &models.Notification{
		Type:     models.NotificationTypeOrderAbandoned,
		Severity: models.SeverityError,
		UserID:   order.UserID,
		BotID:    order.BotID,
		OrderID:  &id,
		Message:  fmt.Sprintf("%s order %s abandoned after %d errors", order.Side, order.ClientOrderID, order.ErrorCount()),
		Meta: map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"last_error":      order.LastError,
		},
	})
}

// NotifyBotRecovered - бот вернулся в active после брошенного выхода
func (s *NotificationService) NotifyBotRecovered(ctx context.Context, order *models.Order) error {
	id := order.ID
	return s.CreateNotification(ctx, &models.Notification{
		Type:     models.NotificationTypeBotRecovered,
		Severity: models.SeverityWarn,
		UserID:   order.UserID,
		BotID:    order.BotID,
		OrderID:  &id,
		Message:  fmt.Sprintf("bot %s returned to active after abandoned exit order", order.BotID),
	})
}

// NotifyBreakerOpen - ключ временно исключён из ротации
func (s *NotificationService) NotifyBreakerOpen(ctx context.Context, credentialID string, failures int, resetAfter time.Duration) error {
	return s.CreateNotification(ctx, &models.Notification{
		Type:     models.NotificationTypeBreakerOpen,
		Severity: models.SeverityWarn,
		Message:  fmt.Sprintf("credential %s disabled for %s after %d failures", credentialID, resetAfter, failures),
		Meta: map[string]interface{}{
			"credential": credentialID,
			"failures":   failures,
		},
	})
}
