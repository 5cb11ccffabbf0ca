package auth

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/elskow/modhub-identity/internal/api"
)

const errorDomain = "identity.modhub"

type Handler struct {
	service   *Service
	providers *ProviderRegistry
	log       *zap.Logger
}

func NewHandler(service *Service, providers *ProviderRegistry, log *zap.Logger) *Handler {
	return &Handler{
		service:   service,
		providers: providers,
		log:       log,
	}
}

var _ api.IdentityServer = (*Handler)(nil)

// toStatus maps the error taxonomy onto gRPC codes. Callers only ever learn: rejected,
// locked (with the unlock time), second factor, or retry later.
func (h *Handler) toStatus(op string, err error) error {
	var locked ErrAccountLocked
	switch {
	case errors.As(err, &locked):
		return lockedStatus(locked.Until)

	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrRefreshTokenReplay),
		errors.Is(err, ErrRefreshTokenNotFound),
		errors.Is(err, ErrProviderIdentityRejected):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, ErrRefreshTokenExpired):
		return status.Error(codes.Unauthenticated, "session expired")
	case errors.Is(err, ErrInvalidSecondFactorCode):
		return status.Error(codes.Unauthenticated, "invalid second factor code")
	case errors.Is(err, ErrChallengeNotFound), errors.Is(err, ErrChallengeClosed):
		return status.Error(codes.Unauthenticated, "second factor challenge is no longer valid, sign in again")

	case errors.Is(err, ErrTransientStore):
		h.log.Error("store unavailable", zap.String("op", op), zap.Error(err))
		return status.Error(codes.Unavailable, "service temporarily unavailable, retry later")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")

	case errors.Is(err, ErrUserExists):
		return status.Error(codes.AlreadyExists, "an account with this username or email already exists")
	case errors.Is(err, ErrProviderAlreadyLinked):
		return status.Error(codes.AlreadyExists, "this identity is linked to another account")
	case errors.Is(err, ErrProviderLinkExists):
		return status.Error(codes.AlreadyExists, "another identity of this provider is already linked")
	case errors.Is(err, ErrUserNotFound):
		return status.Error(codes.NotFound, "user not found")
	case errors.Is(err, ErrProviderNotLinked):
		return status.Error(codes.NotFound, "provider not linked")
	case errors.Is(err, ErrInvalidPassword):
		return status.Error(codes.InvalidArgument, "current password is incorrect")
	case errors.Is(err, ErrUnknownProvider):
		return status.Error(codes.InvalidArgument, "unknown identity provider")
	case errors.Is(err, ErrLastAuthMethod),
		errors.Is(err, ErrTwoFactorAlreadyEnabled),
		errors.Is(err, ErrTwoFactorNotEnabled),
		errors.Is(err, ErrNoPendingEnrollment),
		errors.Is(err, ErrRefreshTokenDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return status.Error(codes.Aborted, "account changed concurrently, retry")
	}

	h.log.Error("request failed", zap.String("op", op), zap.Error(err))
	sentry.CaptureException(err)
	return status.Error(codes.Internal, "internal error")
}

func lockedStatus(until time.Time) error {
	unlock := until.UTC().Format(time.RFC3339)
	st := status.New(codes.PermissionDenied, "account locked until "+unlock)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   "ACCOUNT_LOCKED",
		Domain:   errorDomain,
		Metadata: map[string]string{"locked_until": unlock},
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

func toTokens(pair *TokenPair) *api.Tokens {
	if pair == nil {
		return nil
	}
	out := &api.Tokens{
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		RefreshToken:    pair.RefreshToken,
		TokenType:       pair.TokenType,
	}
	if pair.RefreshToken != "" {
		exp := pair.RefreshExpiresAt
		out.RefreshExpiresAt = &exp
	}
	return out
}

func toLoginResponse(result *LoginResult) *api.LoginResponse {
	resp := &api.LoginResponse{UserID: result.User.ID}
	switch result.Status {
	case LoginSecondFactorRequired:
		exp := result.ChallengeExpiresAt
		resp.Status = api.LoginStatusSecondFactorRequired
		resp.ChallengeToken = result.ChallengeToken
		resp.ChallengeExpiresAt = &exp
	default:
		resp.Status = api.LoginStatusComplete
		resp.Tokens = toTokens(result.Tokens)
	}
	return resp
}

func (h *Handler) Register(ctx context.Context, req *api.RegisterRequest) (*api.RegisterResponse, error) {
	// Validate input fields
	if err := validateRegisterRequest(req); err != nil {
		h.log.Warn("invalid register request",
			zap.String("error", err.Error()),
			zap.String("username", req.Username))
		return nil, err
	}

	h.log.Info("handling register request", zap.String("username", req.Username))

	user, err := h.service.Register(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		return nil, h.toStatus("register", err)
	}
	return &api.RegisterResponse{UserID: user.ID}, nil
}

func (h *Handler) Login(ctx context.Context, req *api.LoginRequest) (*api.LoginResponse, error) {
	// Validate input fields
	if err := validateLoginRequest(req); err != nil {
		h.log.Warn("invalid login request",
			zap.String("error", err.Error()),
			zap.String("identifier", req.Identifier))
		return nil, err
	}

	result, err := h.service.Authenticate(ctx, PasswordCredential{
		Identifier: req.Identifier,
		Password:   req.Password,
	}, sourceFromContext(ctx))
	if err != nil {
		return nil, h.toStatus("login", err)
	}
	return toLoginResponse(result), nil
}

func (h *Handler) CompleteSecondFactor(ctx context.Context, req *api.CompleteSecondFactorRequest) (*api.LoginResponse, error) {
	if req.ChallengeToken == "" {
		return nil, status.Error(codes.InvalidArgument, "challenge_token is required")
	}
	if req.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}

	result, err := h.service.CompleteSecondFactor(ctx, req.ChallengeToken, req.Code, sourceFromContext(ctx))
	if err != nil {
		return nil, h.toStatus("complete second factor", err)
	}
	return toLoginResponse(result), nil
}

func (h *Handler) ProviderLogin(ctx context.Context, req *api.ProviderLoginRequest) (*api.LoginResponse, error) {
	if req.Provider == "" || req.IDToken == "" {
		return nil, status.Error(codes.InvalidArgument, "provider and id_token are required")
	}

	identity, err := h.providers.VerifyIDToken(ctx, req.Provider, req.IDToken)
	if err != nil {
		return nil, h.toStatus("provider login", err)
	}
	return h.providerLogin(ctx, identity)
}

func (h *Handler) providerLogin(ctx context.Context, identity ProviderIdentity) (*api.LoginResponse, error) {
	result, err := h.service.Authenticate(ctx, ProviderCredential{Identity: identity}, sourceFromContext(ctx))
	if err != nil {
		return nil, h.toStatus("provider login", err)
	}
	return toLoginResponse(result), nil
}

func (h *Handler) ProviderAuthURL(_ context.Context, req *api.ProviderAuthURLRequest) (*api.ProviderAuthURLResponse, error) {
	if req.Provider == "" {
		return nil, status.Error(codes.InvalidArgument, "provider is required")
	}

	url, state, err := h.providers.AuthCodeURL(req.Provider)
	if err != nil {
		return nil, h.toStatus("provider auth url", err)
	}
	return &api.ProviderAuthURLResponse{URL: url, State: state}, nil
}

func (h *Handler) ProviderCallback(ctx context.Context, req *api.ProviderCallbackRequest) (*api.LoginResponse, error) {
	if req.Provider == "" || req.State == "" || req.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "provider, state and code are required")
	}

	identity, err := h.providers.ExchangeCode(ctx, req.Provider, req.State, req.Code)
	if err != nil {
		return nil, h.toStatus("provider callback", err)
	}
	return h.providerLogin(ctx, identity)
}

func (h *Handler) Refresh(ctx context.Context, req *api.RefreshRequest) (*api.RefreshResponse, error) {
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh_token is required")
	}

	pair, err := h.service.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, h.toStatus("refresh", err)
	}
	return &api.RefreshResponse{Tokens: toTokens(pair)}, nil
}

func (h *Handler) Logout(ctx context.Context, req *api.LogoutRequest) (*api.Empty, error) {
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh_token is required")
	}
	if err := h.service.Logout(ctx, req.RefreshToken); err != nil {
		return nil, h.toStatus("logout", err)
	}
	return &api.Empty{}, nil
}

func (h *Handler) ValidateToken(_ context.Context, req *api.ValidateTokenRequest) (*api.ValidateTokenResponse, error) {
	if req.Token == "" {
		return &api.ValidateTokenResponse{
			Valid:   false,
			Message: "token is required",
		}, nil
	}

	claims, err := h.service.VerifyAccessToken(req.Token)
	if err != nil {
		message := "token is invalid"
		if errors.Is(err, ErrAccessTokenExpired) {
			message = "token is expired"
		}
		return &api.ValidateTokenResponse{
			Valid:   false,
			Message: message,
		}, nil
	}

	exp := claims.ExpiresAt.Time
	return &api.ValidateTokenResponse{
		Valid:     true,
		UserID:    claims.Subject,
		Roles:     claims.Roles,
		SessionID: claims.SessionID,
		ExpiresAt: &exp,
		Message:   "Token is valid",
	}, nil
}

func (h *Handler) currentUser(ctx context.Context) (string, error) {
	userID, err := GetUserFromContext(ctx)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, "authentication required")
	}
	return userID, nil
}

func (h *Handler) Me(ctx context.Context, _ *api.Empty) (*api.UserResponse, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	user, err := h.service.User(ctx, userID)
	if err != nil {
		return nil, h.toStatus("me", err)
	}

	providers := make([]string, 0, len(user.Links))
	for _, l := range user.Links {
		providers = append(providers, l.Provider)
	}
	return &api.UserResponse{
		ID:               user.ID,
		Username:         user.Username,
		Email:            user.Email,
		Roles:            user.Roles,
		HasPassword:      user.PasswordHash != "",
		TwoFactorEnabled: user.TwoFactorEnabled,
		Providers:        providers,
		CreatedAt:        user.CreatedAt,
		LastLoginAt:      user.LastLoginAt,
	}, nil
}

func (h *Handler) ChangePassword(ctx context.Context, req *api.ChangePasswordRequest) (*api.Empty, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(req.NewPassword); err != nil {
		return nil, err
	}

	if err := h.service.ChangePassword(ctx, userID, req.CurrentPassword, req.NewPassword); err != nil {
		return nil, h.toStatus("change password", err)
	}
	return &api.Empty{}, nil
}

func (h *Handler) LogoutAll(ctx context.Context, _ *api.Empty) (*api.LogoutAllResponse, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	revoked, err := h.service.LogoutAll(ctx, userID)
	if err != nil {
		return nil, h.toStatus("logout all", err)
	}
	return &api.LogoutAllResponse{Revoked: revoked}, nil
}

func (h *Handler) Deactivate(ctx context.Context, _ *api.Empty) (*api.Empty, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.service.Deactivate(ctx, userID); err != nil {
		return nil, h.toStatus("deactivate", err)
	}
	return &api.Empty{}, nil
}

func (h *Handler) EnrollTwoFactor(ctx context.Context, _ *api.Empty) (*api.EnrollTwoFactorResponse, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	enrollment, err := h.service.EnrollTwoFactor(ctx, userID)
	if err != nil {
		return nil, h.toStatus("enroll two-factor", err)
	}
	return &api.EnrollTwoFactorResponse{Secret: enrollment.Secret, URL: enrollment.URL}, nil
}

func (h *Handler) ConfirmTwoFactor(ctx context.Context, req *api.TwoFactorCodeRequest) (*api.Empty, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}

	if err := h.service.ConfirmTwoFactor(ctx, userID, req.Code); err != nil {
		return nil, h.toStatus("confirm two-factor", err)
	}
	return &api.Empty{}, nil
}

func (h *Handler) DisableTwoFactor(ctx context.Context, req *api.TwoFactorCodeRequest) (*api.Empty, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}

	if err := h.service.DisableTwoFactor(ctx, userID, req.Code); err != nil {
		return nil, h.toStatus("disable two-factor", err)
	}
	return &api.Empty{}, nil
}

func (h *Handler) LinkProvider(ctx context.Context, req *api.LinkProviderRequest) (*api.Empty, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" || req.IDToken == "" {
		return nil, status.Error(codes.InvalidArgument, "provider and id_token are required")
	}

	identity, err := h.providers.VerifyIDToken(ctx, req.Provider, req.IDToken)
	if err != nil {
		return nil, h.toStatus("link provider", err)
	}
	if err := h.service.LinkProvider(ctx, userID, identity); err != nil {
		return nil, h.toStatus("link provider", err)
	}
	return &api.Empty{}, nil
}

func (h *Handler) UnlinkProvider(ctx context.Context, req *api.UnlinkProviderRequest) (*api.Empty, error) {
	userID, err := h.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		return nil, status.Error(codes.InvalidArgument, "provider is required")
	}

	if err := h.service.UnlinkProvider(ctx, userID, req.Provider); err != nil {
		return nil, h.toStatus("unlink provider", err)
	}
	return &api.Empty{}, nil
}

func validateRegisterRequest(req *api.RegisterRequest) error {
	if req.Username == "" {
		return status.Error(codes.InvalidArgument, "username is required")
	}
	if len(req.Username) < 3 || len(req.Username) > 32 {
		return status.Error(codes.InvalidArgument, "username must be between 3 and 32 characters")
	}
	if err := validatePassword(req.Password); err != nil {
		return err
	}
	if req.Email == "" {
		return status.Error(codes.InvalidArgument, "email is required")
	}
	if !isValidEmail(req.Email) {
		return status.Error(codes.InvalidArgument, "invalid email format")
	}
	return nil
}

func validatePassword(password string) error {
	if password == "" {
		return status.Error(codes.InvalidArgument, "password is required")
	}
	if len(password) < 8 {
		return status.Error(codes.InvalidArgument, "password must be at least 8 characters")
	}
	// bcrypt ignores everything past 72 bytes.
	if len(password) > 72 {
		return status.Error(codes.InvalidArgument, "password must be at most 72 bytes")
	}
	return nil
}

func validateLoginRequest(req *api.LoginRequest) error {
	if req.Identifier == "" {
		return status.Error(codes.InvalidArgument, "identifier is required")
	}
	if req.Password == "" {
		return status.Error(codes.InvalidArgument, "password is required")
	}
	return nil
}

func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}
