package api

import "time"

type Empty struct{}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	UserID string `json:"user_id"`
}

type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type CompleteSecondFactorRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

type ProviderLoginRequest struct {
	Provider string `json:"provider"`
	IDToken  string `json:"id_token"`
}

type ProviderAuthURLRequest struct {
	Provider string `json:"provider"`
}

type ProviderAuthURLResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

type ProviderCallbackRequest struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Code     string `json:"code"`
}

// LoginStatus values
const (
	LoginStatusComplete             = "complete"
	LoginStatusSecondFactorRequired = "second_factor_required"
)

type Tokens struct {
	AccessToken      string     `json:"access_token"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
	TokenType        string     `json:"token_type"`
}

type LoginResponse struct {
	Status             string     `json:"status"`
	UserID             string     `json:"user_id,omitempty"`
	Tokens             *Tokens    `json:"tokens,omitempty"`
	ChallengeToken     string     `json:"challenge_token,omitempty"`
	ChallengeExpiresAt *time.Time `json:"challenge_expires_at,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshResponse struct {
	Tokens *Tokens `json:"tokens"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ValidateTokenRequest struct {
	Token string `json:"token"`
}

type ValidateTokenResponse struct {
	Valid     bool       `json:"valid"`
	UserID    string     `json:"user_id,omitempty"`
	Roles     []string   `json:"roles,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type UserResponse struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	Roles            []string   `json:"roles"`
	HasPassword      bool       `json:"has_password"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	Providers        []string   `json:"providers"`
	CreatedAt        time.Time  `json:"created_at"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type LogoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

type EnrollTwoFactorResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

type TwoFactorCodeRequest struct {
	Code string `json:"code"`
}

type LinkProviderRequest struct {
	Provider string `json:"provider"`
	IDToken  string `json:"id_token"`
}

type UnlinkProviderRequest struct {
	Provider string `json:"provider"`
}
