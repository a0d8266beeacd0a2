package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"orderqueue/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Логирует panic со stack trace и отвечает 500; сервер продолжает работу.
// Детали паники клиенту не отдаются.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	log = utils.OrGlobal(log).WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}

					log.Error("panic in http handler",
						utils.RequestID(RequestIDFromContext(r.Context())),
						utils.String("method", r.Method),
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprint(rec)),
						utils.String("stack", string(debug.Stack())),
					)

					writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
