package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/console/service"
)

type AgentHandler struct {
	registry *service.RegistryService
	logger   *zap.Logger
}

func NewAgentHandler(registry *service.RegistryService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: registry, logger: logger.Named("agent-handler")}
}

type enrollRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	FeeBps    int    `json:"fee_bps"`
}

// Enroll — POST /enroll: запись агента под управление.
// Подпись в теле запроса чувствительна: в лог она не попадает.
func (h *AgentHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	agent, err := h.registry.Enroll(r.Context(), req.Address, req.Signature, req.FeeBps)
	if err != nil {
		h.logger.Warn("enroll failed", zap.String("address", req.Address), zap.Error(err))
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusCreated, map[string]interface{}{"ok": true, "agent": agent})
}

type addressRequest struct {
	Address string `json:"address"`
}

func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Pause, "paused")
}

func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Resume, "enrolled")
}

func (h *AgentHandler) Remove(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Remove, "removed")
}

// transition — общий путь для pause/resume/remove: адрес в теле,
// конкретный переход — методом сервиса.
func (h *AgentHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, address string) error,
	newStatus string,
) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		respondError(w, http.StatusBadRequest, "address is required")
		return
	}

	if err := action(r.Context(), req.Address); err != nil {
		respondDomainError(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"address": req.Address,
		"status":  newStatus,
	})
}
