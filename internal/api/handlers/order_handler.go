package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"orderqueue/internal/models"
)

// OrderQueueService - операции очереди, доступные через API
type OrderQueueService interface {
	CreateOrder(ctx context.Context, spec models.OrderSpec) (*models.Order, bool, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error)
}

// OrderHandler принимает ордера от продюсеров и отдаёт их состояние
//
// Endpoints:
// - POST /api/v1/orders - постановка ордера в очередь (идемпотентно по client_order_id)
// - GET /api/v1/orders?user_id=... - ордера пользователя
// - GET /api/v1/orders/{id} - один ордер с историей ошибок
type OrderHandler struct {
	queue OrderQueueService
}

// NewOrderHandler создает новый OrderHandler
func NewOrderHandler(queue OrderQueueService) *OrderHandler {
	return &OrderHandler{queue: queue}
}

// CreateOrderResponse - ответ на постановку ордера
type CreateOrderResponse struct {
	Order   *models.Order `json:"order"`
	Created bool          `json:"created"`
}

// CreateOrder ставит ордер в очередь
//
// POST /api/v1/orders
//
// HTTP коды:
// - 201 Created: новый ордер
// - 200 OK: ордер с таким client_order_id уже существует, возвращается он
// - 400 Bad Request: ошибка валидации
// - 409 Conflict: у бота уже есть активный ордер
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var spec models.OrderSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}

	order, created, err := h.queue.CreateOrder(r.Context(), spec)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, CreateOrderResponse{Order: order, Created: created})
}

// GetOrders возвращает ордера пользователя
//
// GET /api/v1/orders?user_id=...
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondWithError(w, http.StatusBadRequest, "missing_user_id", "user_id query parameter is required", "")
		return
	}

	orders, err := h.queue.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}

	respondWithJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает ордер по ID
//
// GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.queue.GetOrder(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, order)
}

// parseOrderID читает {id} из пути; при ошибке ответ уже отправлен
func parseOrderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid order ID", "")
		return 0, false
	}
	return id, true
}
