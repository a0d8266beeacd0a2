package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderqueue/internal/api/handlers"
	"orderqueue/internal/api/middleware"
	"orderqueue/internal/bot"
	"orderqueue/internal/service"
	"orderqueue/internal/websocket"
	"orderqueue/pkg/utils"
)

// HealthChecker - проверка доступности хранилища (*sql.DB)
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	OrderQueue          *service.OrderQueue
	CredentialService   *service.CredentialService
	NotificationService *service.NotificationService
	Engine              *bot.Engine
	Hub                 *websocket.Hub
	DB                  HealthChecker

	AdminTokenHash string
	AllowedOrigins []string
	Log            *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/ (AdminAuth)
//
//	├── /orders/
//	│   ├── POST / - поставить ордер в очередь
//	│   ├── GET /?user_id= - ордера пользователя
//	│   └── GET /{id} - ордер с историей ошибок
//	├── /notifications/
//	│   └── GET / - журнал уведомлений
//	└── /admin/
//	    ├── GET /queue - глубина очереди
//	    ├── POST /orders/reset-stuck - сброс зависших
//	    ├── POST /orders/clear-failed-credentials - снять исключения ключей
//	    ├── DELETE /users/{userId}/orders - удалить ордера пользователя
//	    ├── POST /users/{userId}/credentials - добавить ключ
//	    ├── PATCH /credentials/{id} - включить/выключить ключ
//	    ├── DELETE /credentials/{id} - удалить ключ
//	    ├── GET /breakers - выключатели
//	    ├── POST /breakers/{credential}/reset - закрыть выключатель
//	    └── POST /executor/run - внеочередной тик
//
// /ws/stream - WebSocket для real-time обновлений
// /health, /metrics - без аутентификации
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. AdminAuth (только /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	log := utils.OrGlobal(deps.Log)
	router := mux.NewRouter()

	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AdminAuth(deps.AdminTokenHash, log))

	if deps.OrderQueue != nil {
		orderHandler := handlers.NewOrderHandler(deps.OrderQueue)
		api.HandleFunc("/orders", orderHandler.CreateOrder).Methods("POST")
		api.HandleFunc("/orders", orderHandler.GetOrders).Methods("GET")
		api.HandleFunc("/orders/{id:[0-9]+}", orderHandler.GetOrder).Methods("GET")
	}

	if deps.NotificationService != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
	}

	if deps.OrderQueue != nil && deps.Engine != nil && deps.CredentialService != nil {
		adminHandler := handlers.NewAdminHandler(deps.OrderQueue, deps.Engine.Breakers(), deps.Engine, deps.CredentialService)
		admin := api.PathPrefix("/admin").Subrouter()

		admin.HandleFunc("/queue", adminHandler.GetQueueDepth).Methods("GET")
		admin.HandleFunc("/orders/reset-stuck", adminHandler.ResetStuckOrders).Methods("POST")
		admin.HandleFunc("/orders/clear-failed-credentials", adminHandler.ClearFailedCredentials).Methods("POST")
		admin.HandleFunc("/users/{userId}/orders", adminHandler.DeleteUserOrders).Methods("DELETE")
		admin.HandleFunc("/users/{userId}/credentials", adminHandler.AddCredential).Methods("POST")
		admin.HandleFunc("/credentials/{id}", adminHandler.UpdateCredential).Methods("PATCH")
		admin.HandleFunc("/credentials/{id}", adminHandler.DeleteCredential).Methods("DELETE")
		admin.HandleFunc("/breakers", adminHandler.GetBreakers).Methods("GET")
		admin.HandleFunc("/breakers/{credential}/reset", adminHandler.ResetBreaker).Methods("POST")
		admin.HandleFunc("/executor", adminHandler.GetExecutorStatus).Methods("GET")
		admin.HandleFunc("/executor/run", adminHandler.RunExecutor).Methods("POST")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", deps.Hub.ServeWS)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", healthHandler(deps.DB)).Methods("GET")

	return router
}

// healthHandler отвечает 200 OK или 503, если хранилище недоступно
func healthHandler(db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
