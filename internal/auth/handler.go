package auth

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"petify-core/internal/ratelimit"
	"petify-core/internal/respond"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
	RealName string `json:"realName"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.TrimSpace(body.Email)
	if !usernameRegex.MatchString(body.Username) {
		respond.WriteError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if !emailRegex.MatchString(body.Email) {
		respond.WriteError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if len(body.Password) < 8 || len(body.Password) > 200 {
		respond.WriteError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	err := h.service.Register(r.Context(), body.Username, body.Email, body.Password, body.Phone, body.RealName)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			respond.WriteError(w, http.StatusBadRequest, "username or email already exists")
			return
		}
		sentry.CaptureException(err)
		respond.WriteError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	respond.WriteJSON(w, http.StatusOK, respond.OK(nil))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(),
		body.Identifier, body.Password, deviceID(r), ratelimit.ClientAddress(r))
	if err != nil {
		var locked AccountLockedError
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			respond.WriteError(w, http.StatusUnauthorized, "invalid username or password")
		case errors.As(err, &locked):
			retryAfter := int(math.Ceil(locked.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respond.WriteError(w, http.StatusLocked, "too many failed logins, try again later")
		case errors.Is(err, ErrAccountDisabled):
			respond.WriteError(w, http.StatusForbidden, "account is disabled")
		default:
			sentry.CaptureException(err)
			respond.WriteError(w, http.StatusInternalServerError, "failed to login")
		}
		return
	}

	respond.WriteJSON(w, http.StatusOK, respond.OK(result))
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		respond.WriteError(w, http.StatusBadRequest, "refresh token is required")
		return
	}

	accessToken, err := h.service.Refresh(r.Context(), body.RefreshToken, deviceID(r), ratelimit.ClientAddress(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			respond.WriteError(w, http.StatusUnauthorized, "refresh token expired")
		case errors.Is(err, ErrTokenRevoked):
			respond.WriteError(w, http.StatusUnauthorized, "refresh token revoked")
		case errors.Is(err, ErrTokenTypeMismatch):
			respond.WriteError(w, http.StatusUnauthorized, "wrong token type")
		case errors.Is(err, ErrTokenInvalid):
			respond.WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		case errors.Is(err, ErrAccountDisabled):
			respond.WriteError(w, http.StatusUnauthorized, "account state does not allow refresh")
		default:
			sentry.CaptureException(err)
			respond.WriteError(w, http.StatusInternalServerError, "failed to refresh token")
		}
		return
	}

	respond.WriteJSON(w, http.StatusOK, respond.OK(accessToken))
}

// Logout always succeeds from the caller's view; revocation is best-effort.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	accessToken := bearerToken(r)

	var refreshToken string
	if r.Body != nil && r.ContentLength != 0 {
		var body refreshRequest
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
		if err := decoder.Decode(&body); err == nil {
			refreshToken = strings.TrimSpace(body.RefreshToken)
		}
	}

	h.service.Logout(r.Context(), accessToken, refreshToken)
	respond.WriteJSON(w, http.StatusOK, respond.OK(nil))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// deviceID identifies the caller's device for refresh-session keying; a
// client that does not send one gets a fresh id, so its session is simply
// never resumed.
func deviceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Device-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
