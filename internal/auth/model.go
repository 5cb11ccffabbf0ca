package auth

import (
	"time"
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool

	TwoFactorEnabled       bool
	TwoFactorSecret        string
	PendingTwoFactorSecret string
	// LastTOTPCounter is the highest TOTP time step already consumed.
	LastTOTPCounter int64

	FailedLoginAttempts int
	LastFailedLoginAt   *time.Time
	LockedUntil         *time.Time
	LockoutCount        int

	Roles []string
	Links []OAuthLink

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time

	// Version increments on every write and guards conditional updates.
	Version int64
}

func findLink(u *User, provider string) (OAuthLink, bool) {
	for _, l := range u.Links {
		if l.Provider == provider {
			return l, true
		}
	}
	return OAuthLink{}, false
}

type OAuthLink struct {
	Provider    string
	SubjectID   string
	Email       string
	ConnectedAt time.Time
	LastUsedAt  *time.Time
}

type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
)

// Failure reasons stored on login attempts. They never reach the caller.
const (
	ReasonUnknownIdentifier = "unknown_identifier"
	ReasonInactive          = "inactive"
	ReasonBadPassword       = "bad_password"
	ReasonLocked            = "locked"
	ReasonBadSecondFactor   = "bad_second_factor"
	ReasonChallengeExpired  = "challenge_expired"
)

type Source struct {
	IP        string
	UserAgent string
}

type LoginAttempt struct {
	ID         string
	UserID     string
	Identifier string
	Outcome    AttemptOutcome
	Reason     string
	Method     string
	Source     Source
	CreatedAt  time.Time
}

type RefreshToken struct {
	ID         string
	UserID     string
	ChainID    string
	ParentID   string
	SecretHash string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeRejected  ChallengeStatus = "rejected"
)

// Challenge is the partial session between a verified credential and a verified second
// factor.
type Challenge struct {
	ID        string
	UserID    string
	Method    string
	Attempts  int
	Status    ChallengeStatus
	Source    Source
	CreatedAt time.Time
	ExpiresAt time.Time
}

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	TokenType        string    `json:"token_type"`
}
