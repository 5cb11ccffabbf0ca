package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/events"
)

const (
	tokenTypeBearer   = "Bearer"
	refreshSecretSize = 32
)

type Claims struct {
	Roles     []string `json:"roles,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints stateless access tokens and manages the store-backed refresh token
// lifecycle.
type TokenService struct {
	config *config.AuthConfig
	key    []byte
	repo   Repository
	log    *zap.Logger
	clock  func() time.Time
	parser *jwt.Parser
}

func NewTokenService(config *config.AuthConfig, repo Repository, log *zap.Logger) *TokenService {
	s := &TokenService{
		config: config,
		key:    []byte(config.JWTSecret),
		repo:   repo,
		log:    log,
		clock:  time.Now,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithAudience(config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(0),
		jwt.WithTimeFunc(func() time.Time { return s.clock() }),
	)
	return s
}

func (s *TokenService) IssueAccessToken(user *User, sessionID string) (string, time.Time, error) {
	now := s.clock().UTC()
	expiresAt := now.Add(s.config.AccessTokenDuration)

	claims := &Claims{
		Roles:     user.Roles,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        newID(),
			Subject:   user.ID,
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken checks signature, issuer, audience and time claims with no clock skew
// tolerance.
func (s *TokenService) VerifyAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidClaims)
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrAccessTokenExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidClaims, err)
	}
}

// newRefreshToken builds the successor of parent (or a new chain root when parent is nil)
// without persisting it. The raw value handed to the client is "<id>.<secret>".
func (s *TokenService) newRefreshToken(user *User, parent *RefreshToken, now time.Time) (string, *RefreshToken, error) {
	if !s.config.RefreshTokenEnabled {
		return "", nil, ErrRefreshTokenDisabled
	}

	secret, err := randomToken(refreshSecretSize)
	if err != nil {
		return "", nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	token := &RefreshToken{
		ID:         newID(),
		UserID:     user.ID,
		SecretHash: hashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.config.RefreshTokenDuration),
	}
	if parent == nil {
		token.ChainID = token.ID
	} else {
		token.ChainID = parent.ChainID
		token.ParentID = parent.ID
	}
	return token.ID + "." + secret, token, nil
}

// IssueRefreshToken persists a new chain root when parent is nil. Otherwise it revokes
// parent and stores its successor in one conditional step.
func (s *TokenService) IssueRefreshToken(ctx context.Context, user *User, parent *RefreshToken) (string, *RefreshToken, error) {
	now := s.clock().UTC()
	raw, token, err := s.newRefreshToken(user, parent, now)
	if err != nil {
		return "", nil, err
	}

	if parent == nil {
		err = s.repo.SaveRefreshToken(ctx, token)
	} else {
		err = s.repo.RotateRefreshToken(ctx, parent.ID, token, now)
	}
	if err != nil {
		return "", nil, storeErr("issue refresh token", err)
	}
	return raw, token, nil
}

// IssueTokenPair mints an access token bound to the refresh token's chain.
func (s *TokenService) IssueTokenPair(user *User, rawRefresh string, refresh *RefreshToken) (*TokenPair, error) {
	sessionID := ""
	if refresh != nil {
		sessionID = refresh.ChainID
	}
	access, accessExp, err := s.IssueAccessToken(user, sessionID)
	if err != nil {
		return nil, err
	}

	pair := &TokenPair{
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		TokenType:       tokenTypeBearer,
	}
	if refresh != nil {
		pair.RefreshToken = rawRefresh
		pair.RefreshExpiresAt = refresh.ExpiresAt
	}
	return pair, nil
}

func splitRefreshToken(raw string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(raw, ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// lookupRefreshToken resolves a raw token to its record. A wrong secret is reported the
// same way as an unknown id.
func (s *TokenService) lookupRefreshToken(ctx context.Context, raw string) (*RefreshToken, error) {
	id, secret, ok := splitRefreshToken(raw)
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	stored, err := s.repo.GetRefreshToken(ctx, id)
	if err != nil {
		return nil, storeErr("get refresh token", err)
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(stored.SecretHash)) != 1 {
		return nil, ErrRefreshTokenNotFound
	}
	return stored, nil
}

// RedeemRefreshToken rotates raw into a new access and refresh pair. Presenting an already
// revoked token, or losing a concurrent rotation of it, is treated as replay.
func (s *TokenService) RedeemRefreshToken(ctx context.Context, raw string) (*TokenPair, error) {
	if !s.config.RefreshTokenEnabled {
		return nil, ErrRefreshTokenDisabled
	}

	stored, err := s.lookupRefreshToken(ctx, raw)
	if err != nil {
		refreshTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if stored.RevokedAt != nil {
		return nil, s.handleReplay(ctx, stored)
	}

	now := s.clock().UTC()
	if !now.Before(stored.ExpiresAt) {
		refreshTotal.WithLabelValues("expired").Inc()
		return nil, ErrRefreshTokenExpired
	}

	user, err := s.repo.GetUserByID(ctx, stored.UserID)
	if err != nil {
		return nil, storeErr("get user", err)
	}
	if !user.IsActive {
		if _, err := s.repo.RevokeChain(ctx, stored.ChainID, now); err != nil {
			return nil, storeErr("revoke refresh chain", err)
		}
		refreshTotal.WithLabelValues("inactive").Inc()
		return nil, ErrInvalidCredentials
	}

	rawNext, next, err := s.IssueRefreshToken(ctx, user, stored)
	if errors.Is(err, ErrRefreshTokenAlreadyUsed) {
		return nil, s.handleReplay(ctx, stored)
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.IssueTokenPair(user, rawNext, next)
	if err != nil {
		return nil, err
	}
	refreshTotal.WithLabelValues("rotated").Inc()
	return pair, nil
}

// handleReplay revokes the chain of a replayed token (or every token of the user when
// configured) and records the revocation as an event.
func (s *TokenService) handleReplay(ctx context.Context, stored *RefreshToken) error {
	now := s.clock().UTC()
	replaysTotal.Inc()
	refreshTotal.WithLabelValues("replay").Inc()

	scope := "chain"
	var (
		revoked int64
		err     error
	)
	if s.config.ReplayRevokesAccount {
		scope = "account"
		revoked, err = s.repo.RevokeAllForUser(ctx, stored.UserID, now)
	} else {
		revoked, err = s.repo.RevokeChain(ctx, stored.ChainID, now)
	}
	if err != nil {
		return storeErr("revoke on replay", err)
	}

	s.log.Warn("refresh token replay detected",
		zap.String("user_id", stored.UserID),
		zap.String("chain_id", stored.ChainID),
		zap.String("scope", scope),
		zap.Int64("revoked", revoked))

	enqueueEvent(ctx, s.repo, s.log, events.RefreshChainRevoked, map[string]any{
		"user_id":  stored.UserID,
		"chain_id": stored.ChainID,
		"scope":    scope,
		"revoked":  revoked,
	}, now)
	return ErrRefreshTokenReplay
}

// RevokeRefreshToken ends the session raw belongs to. Unknown or already revoked tokens
// are not an error.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, raw string) (*RefreshToken, error) {
	stored, err := s.lookupRefreshToken(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := s.repo.RevokeRefreshToken(ctx, stored.ID, s.clock().UTC()); err != nil {
		return nil, storeErr("revoke refresh token", err)
	}
	return stored, nil
}

func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, userID, s.clock().UTC())
	if err != nil {
		return 0, storeErr("revoke all refresh tokens", err)
	}
	return n, nil
}
