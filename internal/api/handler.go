package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tecmax-dev/sisvida-sub021/internal/config"
	"github.com/tecmax-dev/sisvida-sub021/internal/conversation"
	"github.com/tecmax-dev/sisvida-sub021/internal/middleware"
	"github.com/tecmax-dev/sisvida-sub021/internal/whatsapp"
	"gorm.io/gorm"
)

// MessageHandler runs one inbound WhatsApp message. Implemented by *conversation.Orchestrator.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg whatsapp.Inbound) (conversation.Outcome, error)
}

type Handler struct {
	DB       *gorm.DB
	Cfg      *config.Config
	Messages MessageHandler
}

// Register mounts the webhook and probe routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)

	token := ""
	if h.Cfg != nil {
		token = h.Cfg.WebhookToken
	}
	webhook := middleware.RequireWebhookToken(token)(http.HandlerFunc(h.EvolutionWebhook))
	r.Handle("/webhook/evolution", webhook).Methods(http.MethodPost)
	r.Handle("/webhook/evolution/{instance}", webhook).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, `{"status":"ok"}`)
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, `{"status":"no database"}`)
		return
	}
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, `{"status":"db unhealthy"}`)
		return
	}
	writeJSON(w, http.StatusOK, `{"status":"ready"}`)
}
