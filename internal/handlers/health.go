package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything whose connectivity the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Redis     string `json:"redis"`
	Timestamp string `json:"timestamp"`
}

// Health handles GET /health. redis may be nil when the API runs without it.
func Health(store Pinger, redis Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		response := HealthResponse{
			Status:    "healthy",
			Database:  "connected",
			Redis:     "disabled",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			response.Database = "disconnected"
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		if redis != nil {
			response.Redis = "connected"
			if err := redis.Ping(ctx); err != nil {
				response.Redis = "disconnected"
				if status == http.StatusOK {
					response.Status = "degraded"
				}
			}
		}
		writeJSON(w, status, response)
	}
}
