package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrDuplicateIdentity  = errors.New("username or email already exists")

	ErrTokenInvalid      = errors.New("token invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenRevoked      = errors.New("token revoked")
	ErrTokenTypeMismatch = errors.New("token type mismatch")
)

// AccountLockedError reports a login lockout. RetryAfter is the remaining
// lifetime of the attempt counter.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}
