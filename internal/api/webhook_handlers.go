package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tecmax-dev/sisvida-sub021/internal/middleware"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"github.com/tecmax-dev/sisvida-sub021/internal/whatsapp"
)

const maxWebhookBody = 1 << 20

const ackBody = `{"received":true}`

// EvolutionWebhook receives Evolution API events. Once authenticated it always answers
// 200 {"received":true}, so the gateway never redelivers because of our own failures.
func (h *Handler) EvolutionWebhook(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, ackBody)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Printf("[webhook] read body: %v", err)
		return
	}
	msg, err := whatsapp.ParseWebhook(body)
	if errors.Is(err, whatsapp.ErrIgnored) {
		return
	}
	if err != nil {
		log.Printf("[webhook] %v", err)
		return
	}
	if inst := mux.Vars(r)["instance"]; inst != "" {
		msg.Instance = inst
	}
	if msg.Instance == "" {
		log.Printf("[webhook] message %s without instance, dropped", msg.MessageID)
		return
	}
	if h.Messages == nil {
		log.Printf("[webhook] no message handler configured, dropped %s", msg.MessageID)
		return
	}

	ctx := repo.WithRequestID(r.Context(), middleware.RequestIDFromContext(r.Context()))
	out, err := h.Messages.HandleMessage(ctx, msg)
	if err != nil {
		log.Printf("[webhook] instance=%s phone=%s msg=%s: %v", msg.Instance, msg.Phone, msg.MessageID, err)
		return
	}
	log.Printf("[webhook] instance=%s phone=%s msg=%s state=%s duplicate=%t", msg.Instance, msg.Phone, msg.MessageID, out.State, out.Duplicate)
}
