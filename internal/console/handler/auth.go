package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/stream-agency/internal/infra/auth"
)

type AuthHandler struct {
	validator    *auth.BaseValidator
	passwordHash string
	tokenTTL     time.Duration
}

func NewAuthHandler(validator *auth.BaseValidator, passwordHash string, tokenTTL time.Duration) *AuthHandler {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthHandler{
		validator:    validator,
		passwordHash: passwordHash,
		tokenTTL:     tokenTTL,
	}
}

type loginRequest struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

// Login — POST /auth/token: обмен пароля оператора на JWT.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.passwordHash == "" {
		respondError(w, http.StatusNotImplemented, "operator login is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	// не уточняем, что именно неверно, для защиты от перебора
	if err := bcrypt.CompareHashAndPassword([]byte(h.passwordHash), []byte(req.Password)); err != nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	token, err := h.validator.IssueToken(req.Operator, h.tokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token issuing failed")
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(h.tokenTTL.Seconds()),
	})
}
