package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"orderqueue/pkg/crypto"
	"orderqueue/pkg/utils"
)

// AdminTokenHeader - альтернативный заголовок для токена (для клиентов без Authorization)
const AdminTokenHeader = "X-Admin-Token"

// tokenCache хранит последний успешно проверенный токен.
// bcrypt намеренно медленный, повторные запросы с тем же токеном
// сверяются constant-time сравнением с кэшем.
type tokenCache struct {
	mu       sync.RWMutex
	verified []byte
}

func (c *tokenCache) match(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verified != nil && subtle.ConstantTimeCompare(c.verified, []byte(token)) == 1
}

func (c *tokenCache) store(token string) {
	c.mu.Lock()
	c.verified = []byte(token)
	c.mu.Unlock()
}

// extractToken достаёт токен из Authorization: Bearer <token> или X-Admin-Token
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(AdminTokenHeader))
}

// AdminAuth - middleware для защиты административного API
//
// Токен передаётся в Authorization: Bearer <token> или X-Admin-Token.
// В конфигурации хранится только bcrypt хеш (ADMIN_TOKEN_HASH).
//
// Использование:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(middleware.AdminAuth(cfg.Security.AdminTokenHash, log))
func AdminAuth(tokenHash string, log *utils.Logger) func(http.Handler) http.Handler {
	log = utils.OrGlobal(log).WithComponent("auth")
	cache := &tokenCache{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="orderqueue"`)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing admin token")
				return
			}

			if !cache.match(token) {
				if err := crypto.VerifyToken(token, tokenHash); err != nil {
					log.Warn("admin token rejected",
						utils.String("path", r.URL.Path),
						utils.String("remote_addr", r.RemoteAddr),
						utils.Err(err),
					)
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid admin token")
					return
				}
				cache.store(token)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError пишет ошибку в формате handlers.ErrorResponse
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
