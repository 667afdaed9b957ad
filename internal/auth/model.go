package auth

import "time"

const (
	statusActive   = 1
	statusDisabled = 0

	// DefaultRole is assigned to every newly registered identity.
	DefaultRole = "USER"
)

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Phone        string
	RealName     string
	AvatarURL    string
	Status       int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) Active() bool {
	return u.Status == statusActive
}

// Profile is the caller-visible identity summary returned at login.
type Profile struct {
	ID        int64    `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	RealName  string   `json:"realName,omitempty"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Roles     []string `json:"roles"`
}

// LoginResult is the payload of a successful login.
type LoginResult struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	User         Profile `json:"user"`
}
