package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"filerelay/internal/pkg/httputils"
	"filerelay/internal/pkg/tg"
	"filerelay/internal/repository"
	"filerelay/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

type WebhookHandler struct {
	ingest     service.IngestService
	platform   tg.Platform
	repo       repository.FileRepository
	publicHost string
}

func NewWebhookHandler(ingest service.IngestService, platform tg.Platform, repo repository.FileRepository, publicHost string) *WebhookHandler {
	return &WebhookHandler{
		ingest:     ingest,
		platform:   platform,
		repo:       repo,
		publicHost: publicHost,
	}
}

func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhook", h.webhook).Methods("POST")
	router.HandleFunc("/admin/init", h.initDatabase).Methods("GET", "POST")
	router.HandleFunc("/admin/register", h.registerWebhook).Methods("GET", "POST")
}

// host prefers the configured public host; the request host is the fallback
// so local runs still emit working URLs.
func (h *WebhookHandler) host(r *http.Request) string {
	if h.publicHost != "" {
		return h.publicHost
	}
	return r.Host
}

// @Summary Telegram webhook
// @Description Accept one platform update. Always acknowledges with 200 so
// @Description malformed updates are never redelivered in a retry storm.
// @ID webhook
// @Accept json
// @Produce plain
// @Success 200
// @Router /webhook [post]
func (h *WebhookHandler) webhook(w http.ResponseWriter, r *http.Request) {
	var upd tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		log.Warn().Err(err).Msg("undecodable update")
	} else if err := h.ingest.HandleUpdate(h.host(r), upd); err != nil {
		log.Error().Err(err).Int("update_id", upd.UpdateID).Msg("update was not handled")
	} else {
		log.Info().Int("update_id", upd.UpdateID).Msg("update handled")
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// @Summary Initialize schema
// @ID admin-init
// @Produce json
// @Success 200 {object} response.StatusResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /admin/init [get]
func (h *WebhookHandler) initDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Init(); err != nil {
		httputils.ResponseError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, map[string]string{"status": "database initialized"})
}

// @Summary Register webhook
// @ID admin-register
// @Produce json
// @Success 200 {object} response.StatusResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /admin/register [get]
func (h *WebhookHandler) registerWebhook(w http.ResponseWriter, r *http.Request) {
	url := fmt.Sprintf("https://%s/webhook", h.host(r))
	if err := h.platform.RegisterWebhook(url); err != nil {
		httputils.ResponseError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputils.ResponseJSON(w, http.StatusOK, map[string]string{"status": "webhook registered"})
}
