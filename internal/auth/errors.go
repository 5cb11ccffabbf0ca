package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidPassword = errors.New("invalid password")
	ErrVersionConflict = errors.New("record changed concurrently")

	// ErrInvalidCredentials covers unknown identifiers and wrong passwords alike.
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrInvalidSecondFactorCode  = errors.New("invalid second factor code")
	ErrChallengeNotFound        = errors.New("second factor challenge not found")
	ErrChallengeClosed          = errors.New("second factor challenge is no longer valid")
	ErrNoPendingEnrollment      = errors.New("no pending two-factor enrollment")
	ErrTwoFactorAlreadyEnabled  = errors.New("two-factor authentication already enabled")
	ErrTwoFactorNotEnabled      = errors.New("two-factor authentication not enabled")
	ErrRefreshTokenNotFound     = errors.New("refresh token not found")
	ErrRefreshTokenExpired      = errors.New("refresh token expired")
	ErrRefreshTokenReplay       = errors.New("refresh token replay detected")
	ErrRefreshTokenDisabled     = errors.New("refresh token functionality is disabled")
	ErrRefreshTokenAlreadyUsed  = errors.New("refresh token already revoked")
	ErrAccessTokenExpired       = errors.New("access token expired")
	ErrInvalidSignature         = errors.New("access token signature invalid")
	ErrMalformedToken           = errors.New("access token malformed")
	ErrInvalidClaims            = errors.New("access token claims invalid")
	ErrProviderAlreadyLinked    = errors.New("provider identity already linked to another user")
	ErrProviderLinkExists       = errors.New("a different identity of this provider is already linked")
	ErrProviderNotLinked        = errors.New("provider not linked")
	ErrLastAuthMethod           = errors.New("cannot remove the last sign-in method")
	ErrUnknownProvider          = errors.New("unknown identity provider")
	ErrProviderIdentityRejected = errors.New("identity provider token rejected")

	// ErrTransientStore marks credential-store failures that are safe to retry.
	ErrTransientStore = errors.New("credential store unavailable")
)

// ErrAccountLocked carries the unlock time, never the attempt count.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// domainErrors pass through storeErr unchanged.
var domainErrors = []error{
	ErrUserNotFound,
	ErrUserExists,
	ErrVersionConflict,
	ErrRefreshTokenNotFound,
	ErrRefreshTokenAlreadyUsed,
	ErrChallengeNotFound,
	ErrProviderAlreadyLinked,
	ErrProviderLinkExists,
	ErrProviderNotLinked,
	ErrLastAuthMethod,
}

// storeErr classifies a repository error: domain sentinels are returned as is, anything
// else (timeouts, dropped connections) becomes ErrTransientStore.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
