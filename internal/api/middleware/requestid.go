// requestid.go — middleware сквозного идентификатора запроса.
// Входящий X-Request-Id переиспользуется, отсутствующий генерируется.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// headerRequestID — имя заголовка сквозного идентификатора.
const headerRequestID = "X-Request-Id"

// RequestID возвращает middleware, обеспечивающий каждому запросу
// идентификатор: из входящего заголовка либо свежесгенерированный.
// Идентификатор кладётся в контекст и дублируется в ответе.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}

			w.Header().Set(headerRequestID, id)
			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext возвращает идентификатор запроса из контекста.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
