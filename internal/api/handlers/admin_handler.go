package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"orderqueue/internal/bot"
	"orderqueue/internal/models"
)

// QueueAdmin - административные операции очереди
type QueueAdmin interface {
	ResetStuckOrders(ctx context.Context, timeout time.Duration) (int, error)
	ResetAllProcessing(ctx context.Context) (int, error)
	ClearFailedCredentials(ctx context.Context, id int64) error
	ClearAllFailedCredentials(ctx context.Context) (int64, error)
	DeleteOrdersByUser(ctx context.Context, userID string) (int64, error)
	Depth(ctx context.Context) (map[string]int, error)
}

// BreakerAdmin - просмотр и сброс выключателей
type BreakerAdmin interface {
	Snapshot() []bot.BreakerSnapshot
	Reset(key string) bool
}

// TickRunner - ручной запуск тика исполнителя и его состояние
type TickRunner interface {
	RunOnce(ctx context.Context) (bot.TickResult, error)
	Status() bot.ExecutorStatus
}

// CredentialAdmin - управление API ключами пользователей
type CredentialAdmin interface {
	AddCredential(ctx context.Context, userID, exchangeName, label, apiKey, secret string, priority int) (*models.ExchangeCredential, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// AdminHandler - операционные endpoints для дежурного
//
// Endpoints:
// - GET /api/v1/admin/queue - глубина очереди по статусам
// - POST /api/v1/admin/orders/reset-stuck - сброс зависших PROCESSING ордеров
// - POST /api/v1/admin/orders/clear-failed-credentials - снять исключения ключей
// - DELETE /api/v1/admin/users/{userId}/orders - удалить ордера пользователя
// - GET /api/v1/admin/breakers - состояние выключателей
// - POST /api/v1/admin/breakers/{credential}/reset - закрыть выключатель
// - GET /api/v1/admin/executor - идёт ли тик, занятые слоты отправки
// - POST /api/v1/admin/executor/run - внеочередной тик
// - POST /api/v1/admin/users/{userId}/credentials - добавить ключ
// - PATCH /api/v1/admin/credentials/{id} - включить/выключить ключ
// - DELETE /api/v1/admin/credentials/{id} - удалить ключ
type AdminHandler struct {
	queue    QueueAdmin
	breakers BreakerAdmin
	runner   TickRunner
	creds    CredentialAdmin
}

// NewAdminHandler создает новый AdminHandler
func NewAdminHandler(queue QueueAdmin, breakers BreakerAdmin, runner TickRunner, creds CredentialAdmin) *AdminHandler {
	return &AdminHandler{
		queue:    queue,
		breakers: breakers,
		runner:   runner,
		creds:    creds,
	}
}

// GetQueueDepth возвращает количество ордеров по статусам
//
// GET /api/v1/admin/queue
func (h *AdminHandler) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, depth)
}

// ResetStuckRequest - тело запроса сброса зависших ордеров
type ResetStuckRequest struct {
	TimeoutSeconds int  `json:"timeout_seconds"`
	All            bool `json:"all"`
}

// CountResponse - ответ операций, затрагивающих несколько ордеров
type CountResponse struct {
	Affected int64 `json:"affected"`
}

// ResetStuckOrders сбрасывает PROCESSING ордера в RETRY
//
// POST /api/v1/admin/orders/reset-stuck
//
// Тело: {"timeout_seconds": 120} или {"all": true}.
// all сбрасывает и ордера, захваченные только что; повторная отправка
// на биржу защищена client_order_id.
func (h *AdminHandler) ResetStuckOrders(w http.ResponseWriter, r *http.Request) {
	var req ResetStuckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}

	var (
		n   int
		err error
	)
	switch {
	case req.All:
		n, err = h.queue.ResetAllProcessing(r.Context())
	case req.TimeoutSeconds > 0:
		n, err = h.queue.ResetStuckOrders(r.Context(), time.Duration(req.TimeoutSeconds)*time.Second)
	default:
		respondWithError(w, http.StatusBadRequest, "invalid_request", "timeout_seconds must be positive or all must be true", "")
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, CountResponse{Affected: int64(n)})
}

// ClearFailedCredentialsRequest - тело запроса очистки исключённых ключей
type ClearFailedCredentialsRequest struct {
	OrderID int64 `json:"order_id"`
	All     bool  `json:"all"`
}

// ClearFailedCredentials снимает исключения ключей с ордера или со всех ордеров
//
// POST /api/v1/admin/orders/clear-failed-credentials
func (h *AdminHandler) ClearFailedCredentials(w http.ResponseWriter, r *http.Request) {
	var req ClearFailedCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}

	switch {
	case req.All:
		n, err := h.queue.ClearAllFailedCredentials(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, CountResponse{Affected: n})
	case req.OrderID > 0:
		if err := h.queue.ClearFailedCredentials(r.Context(), req.OrderID); err != nil {
			handleServiceError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, CountResponse{Affected: 1})
	default:
		respondWithError(w, http.StatusBadRequest, "invalid_request", "order_id or all is required", "")
	}
}

// DeleteUserOrders удаляет ордера пользователя (кроме PROCESSING)
//
// DELETE /api/v1/admin/users/{userId}/orders
func (h *AdminHandler) DeleteUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	n, err := h.queue.DeleteOrdersByUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, CountResponse{Affected: n})
}

// GetBreakers возвращает состояние выключателей всех ключей
//
// GET /api/v1/admin/breakers
func (h *AdminHandler) GetBreakers(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.breakers.Snapshot())
}

// ResetBreaker закрывает выключатель ключа
//
// POST /api/v1/admin/breakers/{credential}/reset
//
// HTTP коды:
// - 200 OK: выключатель закрыт
// - 404 Not Found: по ключу ещё не было ни одной заявки
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["credential"]
	if !h.breakers.Reset(key) {
		respondWithError(w, http.StatusNotFound, "breaker_not_found", "No breaker for credential", key)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "breaker reset"})
}

// GetExecutorStatus возвращает состояние исполнителя
//
// GET /api/v1/admin/executor
func (h *AdminHandler) GetExecutorStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.runner.Status())
}

// RunExecutor запускает тик вне расписания
//
// POST /api/v1/admin/executor/run
//
// HTTP коды:
// - 200 OK: итог тика
// - 409 Conflict: тик уже выполняется
func (h *AdminHandler) RunExecutor(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.RunOnce(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// AddCredentialRequest - тело запроса добавления ключа
type AddCredentialRequest struct {
	Exchange string `json:"exchange"`
	Label    string `json:"label"`
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
	Priority int    `json:"priority"`
}

// AddCredential шифрует и сохраняет ключ пользователя
//
// POST /api/v1/admin/users/{userId}/credentials
func (h *AdminHandler) AddCredential(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	var req AddCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}

	cred, err := h.creds.AddCredential(r.Context(), userID, req.Exchange, req.Label, req.APIKey, req.Secret, req.Priority)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, cred)
}

// UpdateCredentialRequest - тело запроса изменения ключа
type UpdateCredentialRequest struct {
	Enabled *bool `json:"enabled"`
}

// UpdateCredential включает или выключает ключ
//
// PATCH /api/v1/admin/credentials/{id}
func (h *AdminHandler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req UpdateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}
	if req.Enabled == nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "enabled is required", "")
		return
	}

	if err := h.creds.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "credential updated"})
}

// DeleteCredential удаляет ключ
//
// DELETE /api/v1/admin/credentials/{id}
func (h *AdminHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.creds.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
