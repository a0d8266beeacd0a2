package handlers

import (
	"context"
	"net/http"
	"strconv"

	"orderqueue/internal/models"
)

// NotificationReader - чтение журнала уведомлений
type NotificationReader interface {
	GetNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
}

// NotificationHandler отдаёт журнал событий
//
// Endpoints:
// - GET /api/v1/notifications - последние уведомления (по умолчанию 100)
// - GET /api/v1/notifications?limit=50 - с ограничением количества
//
// Журнал наполняется исполнителем: ORDER_FAILED, ORDER_ABANDONED,
// BOT_RECOVERED, BREAKER_OPEN. Realtime-копия идёт через /ws/stream.
type NotificationHandler struct {
	notifications NotificationReader
}

// NewNotificationHandler создает новый NotificationHandler
func NewNotificationHandler(notifications NotificationReader) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает список уведомлений
//
// GET /api/v1/notifications
//
// Query параметры:
// - limit (int): количество записей (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", "")
			return
		}
		limit = parsed
	}

	notifications, err := h.notifications.GetNotifications(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: notifications,
		Total:         len(notifications),
	})
}
