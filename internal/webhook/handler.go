package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type Handler struct {
	reconciler *Reconciler
	logger     *slog.Logger
	started    time.Time
}

func NewHandler(reconciler *Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reconciler: reconciler, logger: logger, started: time.Now()}
}

// Register mounts the callback endpoints. Callbacks always get HTTP 200 with
// a body of "success" or "fail".
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/image-process", h.callback("image"))
	mux.HandleFunc("POST /webhook/video-process", h.callback("video"))
	mux.HandleFunc("POST /webhook/faceswap-process", h.callback("faceswap"))
	mux.HandleFunc("GET /webhook/health", h.health)
	mux.HandleFunc("GET /webhook/info", h.info)
}

func (h *Handler) callback(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := ParseRequest(r)
		if err != nil {
			h.logger.Error("unreadable callback", "kind", kind, "error", err)
			writeResult(w, false)
			return
		}
		out := h.reconciler.Reconcile(r.Context(), payload)
		h.logger.Info("callback handled",
			"kind", kind,
			"correlation_id", out.CorrelationID,
			"action", out.Action,
			"ok", out.OK,
			"detail", out.Detail,
		)
		writeResult(w, out.OK)
	}
}

func writeResult(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if ok {
		_, _ = w.Write([]byte("success"))
		return
	}
	_, _ = w.Write([]byte("fail"))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "genbot-webhook",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": []string{
			"POST /webhook/image-process",
			"POST /webhook/video-process",
			"POST /webhook/faceswap-process",
		},
		"id_fields":      idFields,
		"result_fields":  resultFields,
		"file_fields":    fileFields,
		"error_fields":   errorFields,
		"success_status": []string{"200", "completed", "success"},
		"failure_status": []string{"500", "failed", "error"},
		"content_types":  []string{"multipart/form-data", "application/x-www-form-urlencoded", "application/json"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
