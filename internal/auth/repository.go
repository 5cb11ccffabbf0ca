package auth

import (
	"context"
	"time"

	"github.com/elskow/modhub-identity/internal/events"
)

// UserUpdate lists the fields a conditional update may change. Nil pointers leave the
// stored value as is.
type UserUpdate struct {
	PasswordHash           *string
	IsActive               *bool
	TwoFactorEnabled       *bool
	TwoFactorSecret        *string
	PendingTwoFactorSecret *string
	LastTOTPCounter        *int64
	FailedLoginAttempts    *int
	LastFailedLoginAt      *time.Time
	LockedUntil            *time.Time
	ClearLockedUntil       bool
	LockoutCount           *int
	LastLoginAt            *time.Time
	Roles                  []string
}

// LoginCommit is everything a successful sign-in writes. Implementations apply it in one
// transaction or not at all.
type LoginCommit struct {
	UserID  string
	Version int64
	Update  UserUpdate
	Token   *RefreshToken
	Attempt *LoginAttempt
	Event   events.Event

	// ChallengeID completes a pending second-factor challenge in the same step.
	// ChallengeAttempts is the attempt count the caller observed.
	ChallengeID       string
	ChallengeAttempts int
}

// PurgeCutoff bounds what PurgeStale removes. A zero time skips that kind of record.
type PurgeCutoff struct {
	TokensExpiredBefore     time.Time
	ChallengesExpiredBefore time.Time
	AttemptsBefore          time.Time
}

type PurgeResult struct {
	Tokens     int64
	Challenges int64
	Attempts   int64
}

type Repository interface {
	CreateUser(ctx context.Context, user *User, event *events.Event) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmailOrUsername(ctx context.Context, identifier string) (*User, error)
	GetUserByProvider(ctx context.Context, provider, subjectID string) (*User, error)
	// UpdateUser applies update only while the stored version equals version and
	// returns the stored user afterwards. ErrVersionConflict otherwise.
	UpdateUser(ctx context.Context, id string, version int64, update UserUpdate) (*User, error)

	SaveOAuthLink(ctx context.Context, userID string, link OAuthLink) error
	TouchOAuthLink(ctx context.Context, provider, subjectID string, at time.Time) error
	// DeleteOAuthLink removes the link only while the stored version equals version and
	// the user keeps another way to sign in. ErrVersionConflict or ErrLastAuthMethod
	// otherwise.
	DeleteOAuthLink(ctx context.Context, userID, provider string, version int64) error

	SaveLoginAttempt(ctx context.Context, attempt *LoginAttempt) error

	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	// RotateRefreshToken revokes oldID only if it is still unrevoked and stores next in
	// the same step. ErrRefreshTokenAlreadyUsed when another redemption won.
	RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken, at time.Time) error
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeChain(ctx context.Context, chainID string, at time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	// UpdateUserRevokingSessions applies a conditional update and revokes every refresh
	// token of the user in the same step, returning how many were revoked.
	UpdateUserRevokingSessions(ctx context.Context, id string, version int64, update UserUpdate, at time.Time) (int64, error)

	SaveChallenge(ctx context.Context, challenge *Challenge) error
	GetChallenge(ctx context.Context, id string) (*Challenge, error)
	// UpdateChallenge sets attempts and status while the stored attempt count still
	// equals expectedAttempts and the challenge is pending.
	UpdateChallenge(ctx context.Context, id string, expectedAttempts, attempts int, status ChallengeStatus) error

	CommitLogin(ctx context.Context, commit LoginCommit) error
	EnqueueEvent(ctx context.Context, event events.Event) error

	// PurgeStale deletes expired refresh tokens, expired challenges and old login attempts.
	PurgeStale(ctx context.Context, cutoff PurgeCutoff) (PurgeResult, error)
}
