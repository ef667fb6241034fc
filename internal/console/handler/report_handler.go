package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/console/service"
)

type ReportHandler struct {
	reports *service.ReportService
	logger  *zap.Logger
}

func NewReportHandler(reports *service.ReportService, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, logger: logger.Named("report-handler")}
}

// Report — GET /report: сводная таблица по всем агентам.
func (h *ReportHandler) Report(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.Report(r.Context())
	if err != nil {
		h.logger.Error("report build failed", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"ok": true, "agents": report})
}

// Agent — GET /agent?address=...: карточка агента с последними пробами.
func (h *ReportHandler) Agent(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		respondError(w, http.StatusBadRequest, "address query parameter is required")
		return
	}

	agent, attempts, err := h.reports.AgentDetails(r.Context(), address)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"agent":    agent,
		"attempts": attempts,
	})
}

// BillingAttempts — GET /billing-attempts: история попыток биллинга.
func (h *ReportHandler) BillingAttempts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	attempts, err := h.reports.BillingHistory(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"ok": true, "attempts": attempts})
}

// Health — GET /health: живость процесса и доступность базы.
func (h *ReportHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.reports.Healthz(r.Context()); err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok":     false,
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"ok": true, "status": "up"})
}
