package handlers

import (
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"orderqueue/internal/bot"
	"orderqueue/internal/repository"
	"orderqueue/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	respondWithJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// handleServiceError обрабатывает ошибки от сервисов и возвращает соответствующий HTTP статус
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidOrder):
		respondWithError(w, http.StatusBadRequest, "invalid_order", "Invalid order", err.Error())

	case errors.Is(err, service.ErrBotHasActiveOrder):
		respondWithError(w, http.StatusConflict, "bot_has_active_order", "Bot already has an active order", err.Error())

	case errors.Is(err, repository.ErrOrderNotFound):
		respondWithError(w, http.StatusNotFound, "order_not_found", "Order not found", "")

	case errors.Is(err, repository.ErrOrderConflict):
		respondWithError(w, http.StatusConflict, "order_conflict", "Order status changed concurrently", err.Error())

	case errors.Is(err, repository.ErrCredentialNotFound):
		respondWithError(w, http.StatusNotFound, "credential_not_found", "Credential not found", "")

	case errors.Is(err, repository.ErrCredentialExists):
		respondWithError(w, http.StatusConflict, "credential_exists", "Credential already exists", "")

	case errors.Is(err, service.ErrUnsupportedExchange):
		respondWithError(w, http.StatusBadRequest, "unsupported_exchange", "Unsupported exchange", err.Error())

	case errors.Is(err, service.ErrInvalidCredential):
		respondWithError(w, http.StatusBadRequest, "invalid_credential", "Invalid credential", err.Error())

	case errors.Is(err, bot.ErrTickInProgress):
		respondWithError(w, http.StatusConflict, "tick_in_progress", "Executor tick already in progress", "")

	default:
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}
