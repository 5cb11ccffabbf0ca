package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/events"
)

const tracerName = "github.com/elskow/modhub-identity/internal/auth"

type LoginStatus string

const (
	LoginComplete             LoginStatus = "complete"
	LoginSecondFactorRequired LoginStatus = "second_factor_required"
)

// LoginResult is either a token pair or a challenge token for the second factor.
type LoginResult struct {
	Status             LoginStatus
	User               *User
	Tokens             *TokenPair
	ChallengeToken     string
	ChallengeExpiresAt time.Time
}

type loginState int

const (
	stateInit loginState = iota
	stateCredentialCheck
	stateLockoutCheck
	stateSecondFactorPending
	stateTokenIssuance
	stateComplete
	stateRejected
)

var loginStateNames = [...]string{
	stateInit:                "init",
	stateCredentialCheck:     "credential_check",
	stateLockoutCheck:        "lockout_check",
	stateSecondFactorPending: "second_factor_pending",
	stateTokenIssuance:       "token_issuance",
	stateComplete:            "complete",
	stateRejected:            "rejected",
}

func (s loginState) String() string {
	return loginStateNames[s]
}

// loginFlow tracks one sign-in request. A rejected flow is terminal; the caller starts over.
type loginFlow struct {
	state      loginState
	method     string
	identifier string
	source     Source
	user       *User
	log        *zap.Logger
}

func (f *loginFlow) advance(next loginState) {
	f.log.Debug("login transition",
		zap.Stringer("from", f.state),
		zap.Stringer("to", next),
		zap.String("method", f.method))
	f.state = next
}

// secondFactor is the verified code carried into token issuance.
type secondFactor struct {
	challenge *Challenge
	counter   int64
}

// Service drives sign-in and session management across the token, guard, two-factor and
// linking components.
type Service struct {
	config    *config.AppConfig
	repo      Repository
	tokens    *TokenService
	guard     *LoginGuard
	twoFactor *TwoFactorService
	linking   *LinkingService
	log       *zap.Logger
	tracer    trace.Tracer
	clock     func() time.Time
	dummyHash []byte
}

func NewService(
	config *config.AppConfig,
	repo Repository,
	tokens *TokenService,
	guard *LoginGuard,
	twoFactor *TwoFactorService,
	linking *LinkingService,
	log *zap.Logger,
) (*Service, error) {
	secret, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(secret), config.Auth.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &Service{
		config:    config,
		repo:      repo,
		tokens:    tokens,
		guard:     guard,
		twoFactor: twoFactor,
		linking:   linking,
		log:       log,
		tracer:    otel.Tracer(tracerName),
		clock:     time.Now,
		dummyHash: dummy,
	}, nil
}

func (s *Service) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.config.Auth.BcryptCost)
	return string(bytes), err
}

func (s *Service) CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// burnHash spends the same bcrypt work as a real comparison.
func (s *Service) burnHash(password string) {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func outcomeLabel(err error) string {
	var locked ErrAccountLocked
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &locked):
		return "locked"
	case errors.Is(err, ErrTransientStore):
		return "error"
	default:
		return "rejected"
	}
}

// Authenticate runs a credential through the sign-in states. Unknown identifiers and wrong
// passwords both yield ErrInvalidCredentials. A locked account yields ErrAccountLocked even
// when the credential is correct.
func (s *Service) Authenticate(ctx context.Context, credential Credential, source Source) (result *LoginResult, err error) {
	if credential == nil {
		return nil, ErrInvalidCredentials
	}
	ctx, span := s.tracer.Start(ctx, "auth.Authenticate",
		trace.WithAttributes(attribute.String("auth.method", credential.method())))
	defer func() { endSpan(span, err) }()

	flow := &loginFlow{
		state:  stateInit,
		method: credential.method(),
		source: source,
		log:    s.log,
	}

	var user *User
	switch c := credential.(type) {
	case PasswordCredential:
		flow.identifier = c.Identifier
		user, err = s.checkPassword(ctx, flow, c)
	case ProviderCredential:
		flow.identifier = c.Identity.Provider + ":" + c.Identity.SubjectID
		user, err = s.checkProvider(ctx, flow, c)
	default:
		err = ErrInvalidCredentials
	}
	if err != nil {
		return nil, s.reject(flow, err)
	}

	flow.user = user
	if user.TwoFactorEnabled {
		return s.startSecondFactor(ctx, flow)
	}
	return s.issue(ctx, flow, secondFactor{})
}

func (s *Service) reject(flow *loginFlow, err error) error {
	flow.advance(stateRejected)
	loginsTotal.WithLabelValues(flow.method, outcomeLabel(err)).Inc()
	if errors.Is(err, ErrTransientStore) {
		s.log.Error("login aborted by store failure", zap.String("method", flow.method), zap.Error(err))
	}
	return err
}

func (s *Service) checkPassword(ctx context.Context, flow *loginFlow, c PasswordCredential) (*User, error) {
	flow.advance(stateCredentialCheck)
	now := s.clock().UTC()

	user, err := s.repo.GetUserByEmailOrUsername(ctx, c.Identifier)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, storeErr("get user", err)
	}
	if user == nil || !user.IsActive {
		s.burnHash(c.Password)
		reason, userID := ReasonUnknownIdentifier, ""
		if user != nil {
			reason, userID = ReasonInactive, user.ID
		}
		if err := s.record(ctx, flow, userID, OutcomeFailure, reason, now); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}
	flow.user = user

	// A locked account gets no password comparison at all.
	if d := s.guard.EvaluateLockout(user, now); d.Locked {
		if err := s.record(ctx, flow, user.ID, OutcomeFailure, ReasonLocked, now); err != nil {
			return nil, err
		}
		return nil, ErrAccountLocked{Until: d.Until}
	}

	if user.PasswordHash == "" {
		s.burnHash(c.Password)
		return nil, s.fail(ctx, flow, ReasonBadPassword, now, ErrInvalidCredentials)
	}
	if !s.CheckPasswordHash(c.Password, user.PasswordHash) {
		return nil, s.fail(ctx, flow, ReasonBadPassword, now, ErrInvalidCredentials)
	}

	return s.checkLockout(ctx, flow, now)
}

func (s *Service) checkProvider(ctx context.Context, flow *loginFlow, c ProviderCredential) (*User, error) {
	flow.advance(stateCredentialCheck)

	user, created, err := s.linking.FindOrCreateFromProvider(ctx, c.Identity)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("account created on first provider sign-in",
			zap.String("user_id", user.ID),
			zap.String("provider", c.Identity.Provider))
	}

	now := s.clock().UTC()
	if !user.IsActive {
		if err := s.record(ctx, flow, user.ID, OutcomeFailure, ReasonInactive, now); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}
	flow.user = user

	return s.checkLockout(ctx, flow, now)
}

func (s *Service) checkLockout(ctx context.Context, flow *loginFlow, now time.Time) (*User, error) {
	flow.advance(stateLockoutCheck)
	if d := s.guard.EvaluateLockout(flow.user, now); d.Locked {
		if err := s.record(ctx, flow, flow.user.ID, OutcomeFailure, ReasonLocked, now); err != nil {
			return nil, err
		}
		return nil, ErrAccountLocked{Until: d.Until}
	}
	return flow.user, nil
}

// fail records a failed attempt, counts it toward the lockout and returns the error the
// caller sees: ErrAccountLocked when this failure tripped the lock, rejection otherwise.
func (s *Service) fail(ctx context.Context, flow *loginFlow, reason string, now time.Time, rejection error) error {
	if err := s.record(ctx, flow, flow.user.ID, OutcomeFailure, reason, now); err != nil {
		return err
	}
	updated, decision, err := s.guard.RegisterFailure(ctx, flow.user, now)
	if err != nil {
		return err
	}
	flow.user = updated
	if decision.Locked {
		return ErrAccountLocked{Until: decision.Until}
	}
	return rejection
}

func (s *Service) record(ctx context.Context, flow *loginFlow, userID string, outcome AttemptOutcome, reason string, now time.Time) error {
	return s.guard.RecordAttempt(ctx, &LoginAttempt{
		UserID:     userID,
		Identifier: flow.identifier,
		Outcome:    outcome,
		Reason:     reason,
		Method:     flow.method,
		Source:     flow.source,
		CreatedAt:  now,
	})
}

func (s *Service) startSecondFactor(ctx context.Context, flow *loginFlow) (*LoginResult, error) {
	flow.advance(stateSecondFactorPending)
	now := s.clock().UTC()

	raw, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate challenge token: %w", err)
	}
	challenge := &Challenge{
		ID:        hashSecret(raw),
		UserID:    flow.user.ID,
		Method:    flow.method,
		Status:    ChallengePending,
		Source:    flow.source,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TwoFactor.ChallengeTTL),
	}
	if err := s.repo.SaveChallenge(ctx, challenge); err != nil {
		return nil, s.reject(flow, storeErr("save challenge", err))
	}

	loginsTotal.WithLabelValues(flow.method, "second_factor").Inc()
	return &LoginResult{
		Status:             LoginSecondFactorRequired,
		User:               flow.user,
		ChallengeToken:     raw,
		ChallengeExpiresAt: challenge.ExpiresAt,
	}, nil
}

// CompleteSecondFactor finishes a sign-in started by Authenticate. A challenge is rejected
// for good after two_factor.max_attempts wrong codes or once it expires, and every wrong
// code also counts toward the account lockout.
func (s *Service) CompleteSecondFactor(ctx context.Context, challengeToken, code string, source Source) (result *LoginResult, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.CompleteSecondFactor")
	defer func() { endSpan(span, err) }()

	now := s.clock().UTC()
	challenge, err := s.repo.GetChallenge(ctx, hashSecret(challengeToken))
	if err != nil {
		return nil, storeErr("get challenge", err)
	}
	if challenge.Status != ChallengePending {
		return nil, ErrChallengeClosed
	}

	user, err := s.repo.GetUserByID(ctx, challenge.UserID)
	if err != nil {
		return nil, storeErr("get user", err)
	}
	flow := &loginFlow{
		state:      stateSecondFactorPending,
		method:     challenge.Method,
		identifier: user.Username,
		source:     source,
		user:       user,
		log:        s.log,
	}

	if !now.Before(challenge.ExpiresAt) {
		s.closeChallenge(ctx, challenge, challenge.Attempts)
		if err := s.record(ctx, flow, user.ID, OutcomeFailure, ReasonChallengeExpired, now); err != nil {
			return nil, s.reject(flow, err)
		}
		return nil, s.reject(flow, ErrChallengeClosed)
	}
	if !user.IsActive {
		s.closeChallenge(ctx, challenge, challenge.Attempts)
		return nil, s.reject(flow, ErrInvalidCredentials)
	}
	if d := s.guard.EvaluateLockout(user, now); d.Locked {
		s.closeChallenge(ctx, challenge, challenge.Attempts)
		if err := s.record(ctx, flow, user.ID, OutcomeFailure, ReasonLocked, now); err != nil {
			return nil, s.reject(flow, err)
		}
		return nil, s.reject(flow, ErrAccountLocked{Until: d.Until})
	}

	counter, ok, err := s.twoFactor.MatchCode(user, code, now)
	if err != nil {
		return nil, s.reject(flow, err)
	}
	if !ok {
		return nil, s.reject(flow, s.rejectCode(ctx, flow, challenge, now))
	}

	return s.issue(ctx, flow, secondFactor{challenge: challenge, counter: counter})
}

func (s *Service) rejectCode(ctx context.Context, flow *loginFlow, challenge *Challenge, now time.Time) error {
	attempts := challenge.Attempts + 1
	status := ChallengePending
	if attempts >= s.config.TwoFactor.MaxAttempts {
		status = ChallengeRejected
	}
	if err := s.repo.UpdateChallenge(ctx, challenge.ID, challenge.Attempts, attempts, status); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return ErrChallengeClosed
		}
		return storeErr("update challenge", err)
	}

	err := s.fail(ctx, flow, ReasonBadSecondFactor, now, ErrInvalidSecondFactorCode)
	var locked ErrAccountLocked
	if errors.As(err, &locked) && status == ChallengePending {
		s.closeChallenge(ctx, &Challenge{ID: challenge.ID, Attempts: attempts}, attempts)
	}
	return err
}

func (s *Service) closeChallenge(ctx context.Context, challenge *Challenge, attempts int) {
	if err := s.repo.UpdateChallenge(ctx, challenge.ID, challenge.Attempts, attempts, ChallengeRejected); err != nil {
		s.log.Warn("failed to close challenge", zap.Error(err))
	}
}

// issue commits the successful sign-in: counters reset, refresh token stored, attempt
// recorded and event queued, all or nothing. A concurrent change to the user is re-checked
// and the commit retried once.
func (s *Service) issue(ctx context.Context, flow *loginFlow, sf secondFactor) (*LoginResult, error) {
	flow.advance(stateTokenIssuance)
	user := flow.user

	for attempt := 0; ; attempt++ {
		now := s.clock().UTC()
		rawRefresh, refresh, err := s.tokens.newRefreshToken(user, nil, now)
		if err != nil && !errors.Is(err, ErrRefreshTokenDisabled) {
			return nil, s.reject(flow, err)
		}
		pair, err := s.tokens.IssueTokenPair(user, rawRefresh, refresh)
		if err != nil {
			return nil, s.reject(flow, err)
		}
		commit, err := s.loginCommit(flow, user, refresh, sf, now)
		if err != nil {
			return nil, s.reject(flow, err)
		}

		err = s.repo.CommitLogin(ctx, commit)
		if err == nil {
			flow.advance(stateComplete)
			loginsTotal.WithLabelValues(flow.method, "success").Inc()
			s.log.Info("login succeeded",
				zap.String("user_id", user.ID),
				zap.String("method", flow.method))
			return &LoginResult{Status: LoginComplete, User: user, Tokens: pair}, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt > 0 {
			return nil, s.reject(flow, storeErr("commit login", err))
		}

		if user, err = s.recheck(ctx, user.ID, &sf, now); err != nil {
			return nil, s.reject(flow, err)
		}
		flow.user = user
	}
}

// recheck reloads the records a conflicting login commit depends on and verifies the
// sign-in still holds.
func (s *Service) recheck(ctx context.Context, userID string, sf *secondFactor, now time.Time) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeErr("reload user", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	if d := s.guard.EvaluateLockout(user, now); d.Locked {
		return nil, ErrAccountLocked{Until: d.Until}
	}
	if sf.challenge == nil {
		return user, nil
	}

	if user.LastTOTPCounter >= sf.counter {
		return nil, ErrInvalidSecondFactorCode
	}
	challenge, err := s.repo.GetChallenge(ctx, sf.challenge.ID)
	if err != nil {
		return nil, storeErr("reload challenge", err)
	}
	if challenge.Status != ChallengePending {
		return nil, ErrChallengeClosed
	}
	sf.challenge = challenge
	return user, nil
}

func (s *Service) loginCommit(flow *loginFlow, user *User, refresh *RefreshToken, sf secondFactor, now time.Time) (LoginCommit, error) {
	zero := 0
	update := UserUpdate{
		FailedLoginAttempts: &zero,
		ClearLockedUntil:    true,
		LockoutCount:        &zero,
		LastLoginAt:         &now,
	}
	if sf.challenge != nil {
		update.LastTOTPCounter = &sf.counter
	}

	attempt := &LoginAttempt{
		ID:         newID(),
		UserID:     user.ID,
		Identifier: flow.identifier,
		Outcome:    OutcomeSuccess,
		Method:     flow.method,
		Source:     flow.source,
		CreatedAt:  now,
	}

	payload := map[string]any{
		"user_id": user.ID,
		"method":  flow.method,
		"ip":      flow.source.IP,
	}
	if refresh != nil {
		payload["session_id"] = refresh.ChainID
	}
	event, err := events.NewEvent(events.LoginSucceeded, "login:"+attempt.ID, payload, now)
	if err != nil {
		return LoginCommit{}, err
	}

	commit := LoginCommit{
		UserID:  user.ID,
		Version: user.Version,
		Update:  update,
		Token:   refresh,
		Attempt: attempt,
		Event:   event,
	}
	if sf.challenge != nil {
		commit.ChallengeID = sf.challenge.ID
		commit.ChallengeAttempts = sf.challenge.Attempts
	}
	return commit, nil
}

func (s *Service) Register(ctx context.Context, username, email, password string) (user *User, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Register")
	defer func() { endSpan(span, err) }()

	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock().UTC()
	user = &User{
		ID:           newID(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		Roles:        append([]string(nil), s.config.Auth.DefaultRoles...),
	}
	event, err := events.NewEvent(events.UserRegistered, "", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"method":   MethodPassword,
	}, now)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateUser(ctx, user, &event); err != nil {
		return nil, storeErr("create user", err)
	}
	s.log.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

func (s *Service) User(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeErr("get user", err)
	}
	if !user.IsActive {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ChangePassword replaces the password and ends every session of the user in one store
// step. Accounts without a password (provider sign-in only) may set one without current.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) (err error) {
	ctx, span := s.tracer.Start(ctx, "auth.ChangePassword")
	defer func() { endSpan(span, err) }()

	user, err := s.User(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordHash != "" && !s.CheckPasswordHash(current, user.PasswordHash) {
		return ErrInvalidPassword
	}

	hash, err := s.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	revoked, err := s.repo.UpdateUserRevokingSessions(ctx, user.ID, user.Version, UserUpdate{PasswordHash: &hash}, s.clock().UTC())
	if err != nil {
		return storeErr("update password", err)
	}
	enqueueEvent(ctx, s.repo, s.log, events.PasswordChanged, map[string]any{
		"user_id":          user.ID,
		"revoked_sessions": revoked,
	}, s.clock().UTC())
	return nil
}

// Deactivate soft-deletes the account. The username and email become free for new
// registrations.
func (s *Service) Deactivate(ctx context.Context, userID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Deactivate")
	defer func() { endSpan(span, err) }()

	user, err := s.User(ctx, userID)
	if err != nil {
		return err
	}

	inactive := false
	if _, err := s.repo.UpdateUserRevokingSessions(ctx, user.ID, user.Version, UserUpdate{IsActive: &inactive}, s.clock().UTC()); err != nil {
		return storeErr("deactivate user", err)
	}

	s.log.Info("user deactivated", zap.String("user_id", user.ID))
	enqueueEvent(ctx, s.repo, s.log, events.UserDeactivated, map[string]any{"user_id": user.ID}, s.clock().UTC())
	return nil
}

func (s *Service) Refresh(ctx context.Context, rawRefreshToken string) (pair *TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	defer func() { endSpan(span, err) }()

	return s.tokens.RedeemRefreshToken(ctx, rawRefreshToken)
}

func (s *Service) VerifyAccessToken(token string) (*Claims, error) {
	return s.tokens.VerifyAccessToken(token)
}

func (s *Service) Logout(ctx context.Context, rawRefreshToken string) error {
	stored, err := s.tokens.RevokeRefreshToken(ctx, rawRefreshToken)
	if err != nil {
		return err
	}
	if stored != nil {
		s.log.Info("session ended",
			zap.String("user_id", stored.UserID),
			zap.String("chain_id", stored.ChainID))
	}
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	revoked, err := s.tokens.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	enqueueEvent(ctx, s.repo, s.log, events.SessionsRevoked, map[string]any{
		"user_id": userID,
		"revoked": revoked,
	}, s.clock().UTC())
	return revoked, nil
}

func (s *Service) EnrollTwoFactor(ctx context.Context, userID string) (*Enrollment, error) {
	user, err := s.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.twoFactor.GenerateEnrollmentSecret(ctx, user)
}

func (s *Service) ConfirmTwoFactor(ctx context.Context, userID, code string) error {
	user, err := s.User(ctx, userID)
	if err != nil {
		return err
	}
	_, err = s.twoFactor.ConfirmEnrollment(ctx, user, code)
	return err
}

func (s *Service) DisableTwoFactor(ctx context.Context, userID, code string) error {
	user, err := s.User(ctx, userID)
	if err != nil {
		return err
	}
	_, err = s.twoFactor.DisableTwoFactor(ctx, user, code)
	return err
}

func (s *Service) LinkProvider(ctx context.Context, userID string, identity ProviderIdentity) error {
	_, err := s.linking.LinkProvider(ctx, userID, identity)
	return err
}

func (s *Service) UnlinkProvider(ctx context.Context, userID, provider string) error {
	return s.linking.UnlinkProvider(ctx, userID, provider)
}
