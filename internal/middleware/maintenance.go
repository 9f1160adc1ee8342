package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/inaiurai/genbot/internal/models"
)

// MaintenanceFlag reports whether new work is currently refused.
type MaintenanceFlag interface {
	Maintenance(ctx context.Context) bool
}

// MaintenanceGate answers 503 while maintenance mode is on.
func MaintenanceGate(flag MaintenanceFlag) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if flag.Maintenance(r.Context()) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "300")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": models.MsgMaintenance})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
