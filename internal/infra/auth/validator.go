package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims — полезная нагрузка операторского токена.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// TokenValidator — интерфейс проверки токена для middleware.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*OperatorClaims, error)
}

// BaseValidator содержит общую логику проверки HS256.
// Интake-поверхность операторская, с одним общим секретом — асимметричная
// схема здесь не дает ничего, кроме PKI-обвязки.
type BaseValidator struct {
	secret []byte
}

func NewBaseValidator(secret []byte) *BaseValidator {
	return &BaseValidator{secret: secret}
}

// VerifyToken проверяет JWT, подписанный HS256.
func (v *BaseValidator) VerifyToken(tokenStr string) (*OperatorClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	return claims, nil
}

// IssueToken выписывает операторский токен с ограниченным TTL.
func (v *BaseValidator) IssueToken(operator string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}

	now := time.Now()
	claims := OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "stream-agency",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
