package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/engine"
)

type TickHandler struct {
	runner *engine.Runner
	logger *zap.Logger
}

func NewTickHandler(runner *engine.Runner, logger *zap.Logger) *TickHandler {
	return &TickHandler{runner: runner, logger: logger.Named("tick-handler")}
}

// Tick — POST /tick: синхронный ручной проход планировщика.
// Полезен в отладке и в сценариях "сделай все сейчас" у оператора;
// мьютекс внутри Runner не дает пересечься с фоновым циклом.
func (h *TickHandler) Tick(w http.ResponseWriter, r *http.Request) {
	stats := h.runner.TickNow(r.Context())
	h.logger.Info("manual tick requested",
		zap.Int("processed", stats.Processed),
		zap.Int("billing_submitted", stats.BillingSubmitted))
	respond(w, http.StatusOK, map[string]interface{}{"ok": true, "stats": stats})
}
