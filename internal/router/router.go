package router

import (
	"log/slog"
	"net/http"

	"github.com/inaiurai/genbot/internal/auth"
	"github.com/inaiurai/genbot/internal/dashboard"
	"github.com/inaiurai/genbot/internal/handlers"
	"github.com/inaiurai/genbot/internal/middleware"
	"github.com/inaiurai/genbot/internal/webhook"
)

type Deps struct {
	Auth        *auth.Handler
	Tokens      middleware.TokenValidator
	Maintenance middleware.MaintenanceFlag
	Users       *handlers.UserHandler
	Tasks       *handlers.TaskHandler
	Chat        *handlers.ChatHandler
	Admin       *dashboard.Handler
	Webhooks    *webhook.Handler
	Logger      *slog.Logger
}

// New returns the API handler. Webhook callbacks and token exchange are
// public; everything under /v1 needs a bearer token, and /v1/admin needs an
// admin one.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/auth/token", d.Auth.Token)
	d.Webhooks.Register(mux)

	authn := middleware.BearerAuth(d.Tokens)
	service := func(h http.HandlerFunc) http.Handler {
		return authn(middleware.RequireRole(auth.RoleService)(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(middleware.RequireRole(auth.RoleAdmin)(h))
	}
	gate := middleware.MaintenanceGate(d.Maintenance)
	gated := func(h http.HandlerFunc) http.Handler {
		return authn(middleware.RequireRole(auth.RoleService)(gate(h)))
	}

	mux.Handle("POST /v1/users", service(d.Users.EnsureUser))
	mux.Handle("GET /v1/users/{id}", service(d.Users.GetUser))
	mux.Handle("GET /v1/users/{id}/ledger", service(d.Users.LedgerHistory))
	mux.Handle("GET /v1/users/{id}/tasks", service(d.Users.ListTasks))
	mux.Handle("DELETE /v1/users/{id}", admin(d.Users.DeactivateUser))
	mux.Handle("GET /v1/users/{id}/audit", admin(d.Users.Audit))

	// POST /v1/tasks: Auth -> Maintenance -> CreateTask
	mux.Handle("POST /v1/tasks", gated(d.Tasks.CreateTask))
	mux.Handle("GET /v1/tasks/{correlation_id}", service(d.Tasks.GetTask))
	mux.Handle("POST /v1/chat", gated(d.Chat.Chat))

	mux.Handle("GET /v1/admin/tasks", admin(d.Admin.ListTasks))
	mux.Handle("GET /v1/admin/tasks/stats", admin(d.Admin.TaskStats))
	mux.Handle("POST /v1/admin/tasks/purge", admin(d.Admin.PurgeTasks))
	mux.Handle("POST /v1/admin/tasks/{correlation_id}/fail", admin(d.Admin.FailTask))
	mux.Handle("GET /v1/admin/provider/balance", admin(d.Admin.ProviderBalance))
	mux.Handle("GET /v1/admin/provider/status/{correlation_id}", admin(d.Admin.ProviderStatus))
	mux.Handle("GET /v1/admin/config", admin(d.Admin.GetConfig))
	mux.Handle("PUT /v1/admin/config/{key}", admin(d.Admin.SetConfig))
	mux.Handle("POST /v1/admin/config/refresh", admin(d.Admin.RefreshConfig))

	return middleware.Logging(d.Logger)(mux)
}
