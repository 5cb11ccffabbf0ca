package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/events"
)

// LinkingService attaches external identities to local users. A (provider, subject) pair
// belongs to at most one user and a user holds at most one subject per provider.
type LinkingService struct {
	repo         Repository
	defaultRoles []string
	log          *zap.Logger
	clock        func() time.Time
}

func NewLinkingService(repo Repository, defaultRoles []string, log *zap.Logger) *LinkingService {
	return &LinkingService{
		repo:         repo,
		defaultRoles: defaultRoles,
		log:          log,
		clock:        time.Now,
	}
}

// LinkProvider is idempotent for a pair the user already holds.
func (s *LinkingService) LinkProvider(ctx context.Context, userID string, identity ProviderIdentity) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeErr("get user", err)
	}
	if !user.IsActive {
		return nil, ErrUserNotFound
	}

	if existing, ok := findLink(user, identity.Provider); ok {
		if existing.SubjectID == identity.SubjectID {
			return user, nil
		}
		return nil, ErrProviderLinkExists
	}

	owner, err := s.repo.GetUserByProvider(ctx, identity.Provider, identity.SubjectID)
	switch {
	case err == nil && owner.ID != userID:
		return nil, ErrProviderAlreadyLinked
	case err != nil && !errors.Is(err, ErrUserNotFound):
		return nil, storeErr("get user by provider", err)
	}

	now := s.clock().UTC()
	link := OAuthLink{
		Provider:    identity.Provider,
		SubjectID:   identity.SubjectID,
		Email:       identity.Email,
		ConnectedAt: now,
	}
	if err := s.repo.SaveOAuthLink(ctx, userID, link); err != nil {
		return nil, storeErr("save oauth link", err)
	}

	s.log.Info("provider linked",
		zap.String("user_id", userID),
		zap.String("provider", identity.Provider))
	enqueueEvent(ctx, s.repo, s.log, events.ProviderLinked, map[string]any{
		"user_id":  userID,
		"provider": identity.Provider,
	}, now)

	updated, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeErr("reload user", err)
	}
	return updated, nil
}

// UnlinkProvider refuses to remove the only way a password-less account can sign in.
// The check is repeated by the store inside the conditional delete and retried once
// against a fresh copy on conflict.
func (s *LinkingService) UnlinkProvider(ctx context.Context, userID, provider string) error {
	for attempt := 0; ; attempt++ {
		user, err := s.repo.GetUserByID(ctx, userID)
		if err != nil {
			return storeErr("get user", err)
		}
		if err := checkUnlink(user, provider); err != nil {
			return err
		}

		err = s.repo.DeleteOAuthLink(ctx, userID, provider, user.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionConflict) || attempt > 0 {
			return storeErr("delete oauth link", err)
		}
	}

	now := s.clock().UTC()
	s.log.Info("provider unlinked",
		zap.String("user_id", userID),
		zap.String("provider", provider))
	enqueueEvent(ctx, s.repo, s.log, events.ProviderUnlinked, map[string]any{
		"user_id":  userID,
		"provider": provider,
	}, now)
	return nil
}

// checkUnlink reports whether provider can be removed from user.
func checkUnlink(user *User, provider string) error {
	if _, ok := findLink(user, provider); !ok {
		return ErrProviderNotLinked
	}
	if user.PasswordHash == "" && len(user.Links) == 1 {
		return ErrLastAuthMethod
	}
	return nil
}

// FindOrCreateFromProvider returns the user owning identity, creating a password-less one
// on first sight. The boolean reports creation. An email already used by another account
// is not linked implicitly and yields ErrUserExists.
func (s *LinkingService) FindOrCreateFromProvider(ctx context.Context, identity ProviderIdentity) (*User, bool, error) {
	user, err := s.repo.GetUserByProvider(ctx, identity.Provider, identity.SubjectID)
	if err == nil {
		if err := s.repo.TouchOAuthLink(ctx, identity.Provider, identity.SubjectID, s.clock().UTC()); err != nil {
			s.log.Warn("failed to touch oauth link", zap.Error(err))
		}
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, storeErr("get user by provider", err)
	}

	if identity.Email == "" {
		return nil, false, ErrProviderIdentityRejected
	}
	if existing, err := s.repo.GetUserByEmailOrUsername(ctx, identity.Email); err == nil {
		if existing.IsActive {
			return nil, false, ErrUserExists
		}
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, false, storeErr("get user by email", err)
	}

	now := s.clock().UTC()
	user = &User{
		ID:       newID(),
		Username: identity.Provider + "-" + hashSecret(identity.Provider + ":" + identity.SubjectID)[:12],
		Email:    identity.Email,
		IsActive: true,
		Roles:    append([]string(nil), s.defaultRoles...),
		Links: []OAuthLink{{
			Provider:    identity.Provider,
			SubjectID:   identity.SubjectID,
			Email:       identity.Email,
			ConnectedAt: now,
			LastUsedAt:  &now,
		}},
	}

	event, err := events.NewEvent(events.UserRegistered, "", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"method":   identity.Provider,
	}, now)
	if err != nil {
		return nil, false, err
	}

	if err := s.repo.CreateUser(ctx, user, &event); err != nil {
		// A concurrent first sign-in with the same identity won the insert. The losing
		// insert may trip the email index before the provider check sees the link.
		if errors.Is(err, ErrProviderAlreadyLinked) || errors.Is(err, ErrUserExists) {
			winner, lookupErr := s.repo.GetUserByProvider(ctx, identity.Provider, identity.SubjectID)
			switch {
			case lookupErr == nil:
				return winner, false, nil
			case errors.Is(lookupErr, ErrUserNotFound) && errors.Is(err, ErrUserExists):
				return nil, false, ErrUserExists
			default:
				return nil, false, storeErr("get user by provider", lookupErr)
			}
		}
		return nil, false, storeErr("create user", err)
	}

	s.log.Info("user created from provider",
		zap.String("user_id", user.ID),
		zap.String("provider", identity.Provider))
	return user, true, nil
}
