package auth

import (
	"net/http"

	"go.uber.org/zap"
)

// NewMiddleware защищает периметр intake API.
// Принимаются два вида удостоверений (как в первой версии агентства):
//   - Authorization: Bearer <jwt> — операторский токен;
//   - X-API-Key: <token> — статический API-ключ из конфига.
//
// Если ни токен, ни ключ не настроены — периметр открыт (локальный режим).
func NewMiddleware(validator TokenValidator, apiToken string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiToken == "" && validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			// 1. Статический ключ — самый дешевый путь
			if apiToken != "" {
				if r.Header.Get("X-API-Key") == apiToken ||
					r.Header.Get("Authorization") == "Bearer "+apiToken {
					next.ServeHTTP(w, r)
					return
				}
			}

			// 2. Операторский JWT
			if validator != nil {
				if authHeader := r.Header.Get("Authorization"); authHeader != "" {
					if _, err := validator.VerifyToken(authHeader); err == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			logger.Warn("unauthorized intake request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"ok": false, "error": "Unauthorized"}`))
		})
	}
}
