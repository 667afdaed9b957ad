package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"petify-core/internal/respond"
)

// Identity is the request-scoped authenticated caller. It travels in the
// request context, never in process-wide state, so concurrent requests on a
// shared worker pool cannot leak identities into each other.
type Identity struct {
	UserID   int64
	Username string
	Roles    []string
}

type identityContextKey struct{}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

// Middleware authenticates bearer access tokens and propagates the caller
// identity downstream: in the request context, and as X-User-ID /
// X-Username / X-User-Roles headers for proxied services.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respond.WriteError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := service.CheckAccess(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, ErrTokenExpired):
				respond.WriteError(w, http.StatusUnauthorized, "token expired")
			case errors.Is(err, ErrTokenRevoked):
				respond.WriteError(w, http.StatusUnauthorized, "token revoked")
			case errors.Is(err, ErrTokenTypeMismatch), errors.Is(err, ErrTokenInvalid):
				respond.WriteError(w, http.StatusUnauthorized, "invalid token")
			default:
				// Store faults must not read as an auth decision.
				sentry.CaptureException(err)
				respond.WriteError(w, http.StatusInternalServerError, "authentication unavailable")
			}
			return
		}

		identity := Identity{
			UserID:   claims.UserID,
			Username: claims.Username,
			Roles:    claims.Roles,
		}

		r = r.WithContext(context.WithValue(r.Context(), identityContextKey{}, identity))
		r.Header.Set("X-User-ID", strconv.FormatInt(identity.UserID, 10))
		r.Header.Set("X-Username", identity.Username)
		r.Header.Set("X-User-Roles", strings.Join(identity.Roles, ","))

		next.ServeHTTP(w, r)
	})
}
