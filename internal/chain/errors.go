package chain

import (
	"fmt"
	"time"
)

// ThrottleError — прокси попросил подождать (429 + Retry-After).
// Ретрай-обертка моста использует RetryAfter вместо стандартного бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// RetriableSubmitError помечает сбой отправки, случившийся до того,
// как транзакция ушла в сеть (marshal, сборка запроса, отказ dial).
// Только такие сбои безопасно ретраить внутри обертки: повтор не может
// породить вторую трансляцию одной и той же транзакции.
type RetriableSubmitError struct {
	Cause error
}

func (e *RetriableSubmitError) Error() string {
	return fmt.Sprintf("submit failed before broadcast: %v", e.Cause)
}

func (e *RetriableSubmitError) Unwrap() error { return e.Cause }
