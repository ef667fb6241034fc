package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/stream-agency/internal/domain"
)

// respond — единый JSON-конверт intake API: {"ok": bool, ...}.
func respond(w http.ResponseWriter, code int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respond(w, code, map[string]interface{}{"ok": false, "error": msg})
}

// respondDomainError сопоставляет доменные ошибки с HTTP-статусами.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownAgent):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyEnrolled):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrInvalidFee),
		errors.Is(err, domain.ErrInvalidSignature):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
