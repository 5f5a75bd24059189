package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/cache"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "X-Idempotency-Replayed"

	inFlightTTL = 30 * time.Second
)

type cachedResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// mutating requests. Keys are scoped to method and path. A second request
// arriving while the first is still running gets 409. Server errors are not
// stored, so the client can retry them.
func Idempotency(redisClient *cache.Redis, ttl time.Duration, log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("idempotency")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			idempotencyKey := r.Header.Get(IdempotencyKeyHeader)
			if idempotencyKey == "" {
				writeJSONError(w, http.StatusBadRequest, "Idempotency-Key header is required")
				return
			}

			ctx := r.Context()
			cacheKey := "idempotency:" + r.Method + ":" + r.URL.Path + ":" + idempotencyKey

			// Check if we have a cached response
			cached, err := redisClient.Get(ctx, cacheKey)
			if err != nil {
				log.Warn("idempotency lookup failed", zap.String("key", idempotencyKey), zap.Error(err))
			}
			if err == nil && cached != "" {
				var resp cachedResponse
				if err := json.Unmarshal([]byte(cached), &resp); err == nil {
					for k, v := range resp.Headers {
						w.Header().Set(k, v)
					}
					w.Header().Set(ReplayedHeader, "true")
					w.WriteHeader(resp.StatusCode)
					w.Write([]byte(resp.Body))
					return
				}
			}

			lockKey := cacheKey + ":lock"
			token := uuid.NewString()
			locked, err := redisClient.TryLock(ctx, lockKey, token, inFlightTTL)
			if err == nil && !locked {
				writeJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is already in progress")
				return
			}
			if locked {
				defer func() {
					if err := redisClient.Unlock(ctx, lockKey, token); err != nil {
						log.Warn("failed to release idempotency lock", zap.String("key", idempotencyKey), zap.Error(err))
					}
				}()
			}

			// Record the response
			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= http.StatusInternalServerError {
				return
			}
			resp := cachedResponse{
				StatusCode: recorder.statusCode,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       recorder.body.String(),
			}
			respJSON, err := json.Marshal(resp)
			if err == nil {
				err = redisClient.Set(ctx, cacheKey, string(respJSON), ttl)
			}
			if err != nil {
				log.Warn("failed to store idempotent response", zap.String("key", idempotencyKey), zap.Error(err))
			}
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
