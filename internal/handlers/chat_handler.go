package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/inaiurai/genbot/internal/chat"
	"github.com/inaiurai/genbot/internal/llm"
	"github.com/inaiurai/genbot/internal/models"
)

type ChatSender interface {
	Send(ctx context.Context, userID int64, messages []llm.Message, onDelta func(string) error) (*chat.Reply, error)
}

// ChatHandler serves POST /v1/chat.
type ChatHandler struct {
	Sender ChatSender
	Logger *slog.Logger
}

type chatRequest struct {
	UserID   int64         `json:"user_id"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Chat answers with the whole reply as JSON, or as server-sent events when
// stream is set. Errors raised before the first fragment use the normal
// status mapping; later ones arrive as an "error" event.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, h.Logger, "decode chat", fmt.Errorf("%w: invalid JSON", models.ErrValidation))
		return
	}
	if !req.Stream {
		reply, err := h.Sender.Send(r.Context(), req.UserID, req.Messages, nil)
		if err != nil {
			WriteError(w, h.Logger, "chat", err)
			return
		}
		WriteJSON(w, http.StatusOK, reply)
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	onDelta := func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeEvent(w, "", map[string]string{"content": delta}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	reply, err := h.Sender.Send(r.Context(), req.UserID, req.Messages, onDelta)
	if err != nil {
		if !started {
			WriteError(w, h.Logger, "chat", err)
			return
		}
		h.Logger.Error("chat stream", "user_id", req.UserID, "error", err)
		_ = writeEvent(w, "error", map[string]string{"error": models.UserMessage(err)})
		return
	}
	_ = writeEvent(w, "done", reply)
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
