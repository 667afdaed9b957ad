package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	defaultIssuer     = "petify-platform"
	defaultAccessTTL  = 75 * time.Minute
	defaultRefreshTTL = 90 * 24 * time.Hour
)

// Claims is the decoded, verified content of a bearer token.
type Claims struct {
	UserID    int64
	Type      string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Access tokens only.
	Username string
	Roles    []string

	// Refresh tokens only.
	DeviceID  string
	IPAddress string
}

// Remaining is the time left until expiry, never negative.
func (c Claims) Remaining(now time.Time) time.Duration {
	d := c.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TokenIssuer signs and verifies the platform's bearer tokens with a
// process-wide symmetric key. Every issuance gets a fresh random jti.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
}

func (t *TokenIssuer) WithTTLs(accessTTL, refreshTTL time.Duration) {
	if accessTTL > 0 {
		t.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		t.refreshTTL = refreshTTL
	}
}

func (t *TokenIssuer) AccessTTL() time.Duration  { return t.accessTTL }
func (t *TokenIssuer) RefreshTTL() time.Duration { return t.refreshTTL }

func (t *TokenIssuer) IssueAccess(userID int64, username string, roles []string) (string, error) {
	now := t.now().UTC()
	claims := jwt.MapClaims{
		"sub":      strconv.FormatInt(userID, 10),
		"iss":      t.issuer,
		"iat":      now.Unix(),
		"exp":      now.Add(t.accessTTL).Unix(),
		"jti":      uuid.NewString(),
		"type":     TokenTypeAccess,
		"username": username,
		"roles":    roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}

func (t *TokenIssuer) IssueRefresh(userID int64, deviceID, ipAddress string) (string, error) {
	now := t.now().UTC()
	claims := jwt.MapClaims{
		"sub":       strconv.FormatInt(userID, 10),
		"iss":       t.issuer,
		"iat":       now.Unix(),
		"exp":       now.Add(t.refreshTTL).Unix(),
		"jti":       uuid.NewString(),
		"type":      TokenTypeRefresh,
		"deviceId":  deviceID,
		"ipAddress": ipAddress,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}

	return signed, nil
}

// Parse verifies signature, issuer and expiry, and decodes the claims.
// Failures map to ErrTokenExpired or ErrTokenInvalid.
func (t *TokenIssuer) Parse(token string) (Claims, error) {
	raw := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, raw, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}

	return decodeClaims(raw)
}

func decodeClaims(raw jwt.MapClaims) (Claims, error) {
	subject, _ := raw["sub"].(string)
	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}

	claims := Claims{
		UserID:    userID,
		Type:      stringClaim(raw, "type"),
		JTI:       stringClaim(raw, "jti"),
		Username:  stringClaim(raw, "username"),
		DeviceID:  stringClaim(raw, "deviceId"),
		IPAddress: stringClaim(raw, "ipAddress"),
	}
	if claims.Type == "" || claims.JTI == "" {
		return Claims{}, ErrTokenInvalid
	}

	if iat, ok := raw["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0)
	}
	exp, ok := raw["exp"].(float64)
	if !ok {
		return Claims{}, ErrTokenInvalid
	}
	claims.ExpiresAt = time.Unix(int64(exp), 0)

	if rawRoles, ok := raw["roles"].([]any); ok {
		roles := make([]string, 0, len(rawRoles))
		for _, r := range rawRoles {
			if role, ok := r.(string); ok {
				roles = append(roles, role)
			}
		}
		claims.Roles = roles
	}

	return claims, nil
}

func stringClaim(raw jwt.MapClaims, name string) string {
	value, _ := raw[name].(string)
	return value
}
