package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/events"
)

const totpSecretSize = 20

// Enrollment is handed to the user once so an authenticator app can be provisioned.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// TwoFactorService manages TOTP enrollment and code checks. Secrets are sealed with
// XChaCha20-Poly1305 before they reach the store, bound to the owning user's id.
type TwoFactorService struct {
	config *config.TwoFactorConfig
	aead   cipher.AEAD
	repo   Repository
	log    *zap.Logger
	clock  func() time.Time
}

func NewTwoFactorService(config *config.TwoFactorConfig, repo Repository, log *zap.Logger) (*TwoFactorService, error) {
	key, err := base64.StdEncoding.DecodeString(config.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("decode two-factor secret key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init two-factor cipher: %w", err)
	}
	return &TwoFactorService{
		config: config,
		aead:   aead,
		repo:   repo,
		log:    log,
		clock:  time.Now,
	}, nil
}

func (s *TwoFactorService) seal(userID, secret string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(secret)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(secret), []byte(userID))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *TwoFactorService) open(userID, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("sealed secret too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plain), nil
}

// GenerateEnrollmentSecret creates a fresh secret and stores it as pending. Calling it again
// before confirmation replaces the pending secret.
func (s *TwoFactorService) GenerateEnrollmentSecret(ctx context.Context, user *User) (*Enrollment, error) {
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	account := user.Email
	if account == "" {
		account = user.Username
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.Issuer,
		AccountName: account,
		Period:      s.config.Period,
		SecretSize:  totpSecretSize,
		Digits:      otp.Digits(s.config.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	sealed, err := s.seal(user.ID, key.Secret())
	if err != nil {
		return nil, fmt.Errorf("seal totp secret: %w", err)
	}
	if _, err := s.repo.UpdateUser(ctx, user.ID, user.Version, UserUpdate{PendingTwoFactorSecret: &sealed}); err != nil {
		return nil, storeErr("store pending secret", err)
	}

	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmEnrollment enables two-factor authentication once a code generated from the
// pending secret checks out.
func (s *TwoFactorService) ConfirmEnrollment(ctx context.Context, user *User, code string) (*User, error) {
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}
	if user.PendingTwoFactorSecret == "" {
		return nil, ErrNoPendingEnrollment
	}

	secret, err := s.open(user.ID, user.PendingTwoFactorSecret)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	counter, ok, err := s.match(secret, code, now, user.LastTOTPCounter)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidSecondFactorCode
	}

	enabled := true
	empty := ""
	updated, err := s.repo.UpdateUser(ctx, user.ID, user.Version, UserUpdate{
		TwoFactorEnabled:       &enabled,
		TwoFactorSecret:        &user.PendingTwoFactorSecret,
		PendingTwoFactorSecret: &empty,
		LastTOTPCounter:        &counter,
	})
	if err != nil {
		return nil, storeErr("enable two-factor", err)
	}

	s.log.Info("two-factor enabled", zap.String("user_id", user.ID))
	enqueueEvent(ctx, s.repo, s.log, events.TwoFactorEnabled, map[string]any{"user_id": user.ID}, now)
	return updated, nil
}

// ValidateCode checks code against the enabled secret and consumes its time step. A step at
// or below the last consumed one is rejected, so a code works once.
func (s *TwoFactorService) ValidateCode(ctx context.Context, user *User, code string) (bool, error) {
	current := user
	for attempt := 0; ; attempt++ {
		counter, ok, err := s.MatchCode(current, code, s.clock())
		if err != nil || !ok {
			return false, err
		}

		_, err = s.repo.UpdateUser(ctx, current.ID, current.Version, UserUpdate{LastTOTPCounter: &counter})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt > 0 {
			return false, storeErr("consume totp step", err)
		}

		current, err = s.repo.GetUserByID(ctx, user.ID)
		if err != nil {
			return false, storeErr("reload user", err)
		}
	}
}

// MatchCode checks code against the user's enabled secret without consuming it. It returns
// the matched time step so the caller can persist it with its own write.
func (s *TwoFactorService) MatchCode(user *User, code string, now time.Time) (int64, bool, error) {
	if !user.TwoFactorEnabled || user.TwoFactorSecret == "" {
		return 0, false, ErrTwoFactorNotEnabled
	}
	secret, err := s.open(user.ID, user.TwoFactorSecret)
	if err != nil {
		return 0, false, err
	}
	return s.match(secret, code, now, user.LastTOTPCounter)
}

func (s *TwoFactorService) match(secret, code string, now time.Time, lastCounter int64) (int64, bool, error) {
	if len(code) != s.config.Digits {
		return 0, false, nil
	}

	period := int64(s.config.Period)
	step := now.Unix() / period
	skew := int64(s.config.Skew)
	opts := totp.ValidateOpts{
		Period:    s.config.Period,
		Digits:    otp.Digits(s.config.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}

	for counter := step - skew; counter <= step+skew; counter++ {
		if counter <= lastCounter {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(counter*period, 0).UTC(), opts)
		if err != nil {
			return 0, false, fmt.Errorf("generate totp code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return counter, true, nil
		}
	}
	return 0, false, nil
}

// DisableTwoFactor turns two-factor authentication off after a fresh code check.
func (s *TwoFactorService) DisableTwoFactor(ctx context.Context, user *User, code string) (*User, error) {
	now := s.clock()
	counter, ok, err := s.MatchCode(user, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidSecondFactorCode
	}

	disabled := false
	empty := ""
	updated, err := s.repo.UpdateUser(ctx, user.ID, user.Version, UserUpdate{
		TwoFactorEnabled:       &disabled,
		TwoFactorSecret:        &empty,
		PendingTwoFactorSecret: &empty,
		LastTOTPCounter:        &counter,
	})
	if err != nil {
		return nil, storeErr("disable two-factor", err)
	}

	s.log.Info("two-factor disabled", zap.String("user_id", user.ID))
	enqueueEvent(ctx, s.repo, s.log, events.TwoFactorDisabled, map[string]any{"user_id": user.ID}, now)
	return updated, nil
}
