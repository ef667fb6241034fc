package domain

import "errors"

// Сентинельные ошибки доменного слоя. Хендлеры сопоставляют их
// с HTTP-статусами через errors.Is, репозитории — порождают.
var (
	ErrUnknownAgent      = errors.New("agent not found")
	ErrAlreadyEnrolled   = errors.New("agent already enrolled")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidSignature  = errors.New("stream signature rejected by endpoint")
	ErrInvalidAddress    = errors.New("malformed agent address")
	ErrInvalidFee        = errors.New("fee out of range")
)
