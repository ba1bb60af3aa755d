package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
)

type ctxKey string

const trainerIDKey ctxKey = "trainer_id"

// TrainerAuthMiddleware требует заголовок X-Trainer-ID, проставляемый внешним
// слоем аутентификации. Запросы без него отклоняются.
func TrainerAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-Trainer-ID")
			trainerID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || trainerID <= 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing trainer identity"})
				return
			}
			ctx := context.WithValue(r.Context(), trainerIDKey, trainerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TrainerIDFromContext возвращает идентификатор тренера из контекста запроса.
func TrainerIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(trainerIDKey).(int64)
	return id, ok
}
