package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/modhub-identity/internal/events"
)

func githubIdentity(subject string) ProviderIdentity {
	return ProviderIdentity{
		Provider:      "github",
		SubjectID:     subject,
		Email:         "gh-" + subject + "@example.com",
		EmailVerified: true,
	}
}

func TestLinkingService_LinkProvider(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	linked, err := env.linking.LinkProvider(ctx, alice.ID, githubIdentity("1001"))
	require.NoError(t, err)
	require.Len(t, linked.Links, 1)
	assert.Equal(t, "1001", linked.Links[0].SubjectID)
	assert.Contains(t, env.eventNames(), events.ProviderLinked)

	tests := []struct {
		name     string
		userID   string
		identity ProviderIdentity
		wantErr  error
	}{
		{name: "same pair again is a no-op", userID: alice.ID, identity: githubIdentity("1001")},
		{name: "pair owned by another user", userID: bob.ID, identity: githubIdentity("1001"), wantErr: ErrProviderAlreadyLinked},
		{name: "second subject of the same provider", userID: alice.ID, identity: githubIdentity("2002"), wantErr: ErrProviderLinkExists},
		{name: "unknown user", userID: newID(), identity: githubIdentity("3003"), wantErr: ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.linking.LinkProvider(ctx, tt.userID, tt.identity)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	owner, err := env.repo.GetUserByProvider(ctx, "github", "1001")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, owner.ID)
}

func TestLinkingService_UnlinkProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("password account may drop its only link", func(t *testing.T) {
		env := newTestEnv(t)
		user := env.register(t, "hybrid")
		_, err := env.linking.LinkProvider(ctx, user.ID, githubIdentity("42"))
		require.NoError(t, err)

		require.NoError(t, env.linking.UnlinkProvider(ctx, user.ID, "github"))
		assert.Empty(t, env.user(t, user.ID).Links)
		assert.Contains(t, env.eventNames(), events.ProviderUnlinked)

		_, err = env.repo.GetUserByProvider(ctx, "github", "42")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("provider-only account keeps its last method", func(t *testing.T) {
		env := newTestEnv(t)
		user, created, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("43"))
		require.NoError(t, err)
		require.True(t, created)

		err = env.linking.UnlinkProvider(ctx, user.ID, "github")
		assert.ErrorIs(t, err, ErrLastAuthMethod)
		assert.Len(t, env.user(t, user.ID).Links, 1)
	})

	t.Run("provider-only account with two links may drop one", func(t *testing.T) {
		env := newTestEnv(t)
		user, _, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("44"))
		require.NoError(t, err)
		_, err = env.linking.LinkProvider(ctx, user.ID, ProviderIdentity{Provider: "google", SubjectID: "g-44", Email: "g44@example.com"})
		require.NoError(t, err)

		require.NoError(t, env.linking.UnlinkProvider(ctx, user.ID, "github"))
		assert.ErrorIs(t, env.linking.UnlinkProvider(ctx, user.ID, "google"), ErrLastAuthMethod)
	})

	t.Run("provider not linked", func(t *testing.T) {
		env := newTestEnv(t)
		user := env.register(t, "unlinked")

		assert.ErrorIs(t, env.linking.UnlinkProvider(ctx, user.ID, "github"), ErrProviderNotLinked)
	})
}

// interleavedRepository runs interleave once, just before the first link delete reaches
// the store.
type interleavedRepository struct {
	Repository
	interleave func()
	done       bool
}

func (r *interleavedRepository) DeleteOAuthLink(ctx context.Context, userID, provider string, version int64) error {
	if !r.done {
		r.done = true
		r.interleave()
	}
	return r.Repository.DeleteOAuthLink(ctx, userID, provider, version)
}

// racingCreateRepository lets another sign-in with the same identity win the insert and
// then fails the way the email unique index does.
type racingCreateRepository struct {
	Repository
	winner *User
}

func (r *racingCreateRepository) CreateUser(ctx context.Context, user *User, event *events.Event) error {
	if r.winner == nil {
		r.winner = cloneUser(user)
		r.winner.ID = newID()
		if err := r.Repository.CreateUser(ctx, r.winner, nil); err != nil {
			return err
		}
	}
	return ErrUserExists
}

func TestLinkingService_FindOrCreateLosesEmailRace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	racing := &racingCreateRepository{Repository: env.repo}
	env.linking.repo = racing

	user, created, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("47"))
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, racing.winner)
	assert.Equal(t, racing.winner.ID, user.ID)
}

func TestLinkingService_FindOrCreateEmailTakenWithoutLink(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.linking.repo = &collidingCreateRepository{Repository: env.repo}

	_, _, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("48"))
	assert.ErrorIs(t, err, ErrUserExists)
}

// collidingCreateRepository fails every insert on the email index.
type collidingCreateRepository struct {
	Repository
}

func (r *collidingCreateRepository) CreateUser(context.Context, *User, *events.Event) error {
	return ErrUserExists
}

func TestLinkingService_ConcurrentUnlinkKeepsLastMethod(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, _, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("45"))
	require.NoError(t, err)
	_, err = env.linking.LinkProvider(ctx, user.ID, ProviderIdentity{Provider: "google", SubjectID: "g-45", Email: "g45@example.com"})
	require.NoError(t, err)

	other := NewLinkingService(env.repo, nil, newTestLogger(t))
	var otherErr error
	env.linking.repo = &interleavedRepository{
		Repository: env.repo,
		interleave: func() { otherErr = other.UnlinkProvider(ctx, user.ID, "google") },
	}

	err = env.linking.UnlinkProvider(ctx, user.ID, "github")
	require.NoError(t, otherErr)
	assert.ErrorIs(t, err, ErrLastAuthMethod)

	stored := env.user(t, user.ID)
	assert.Empty(t, stored.PasswordHash)
	require.Len(t, stored.Links, 1)
	assert.Equal(t, "github", stored.Links[0].Provider)
}

func TestRepository_DeleteOAuthLinkIsConditional(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, _, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("46"))
	require.NoError(t, err)
	_, err = env.linking.LinkProvider(ctx, user.ID, ProviderIdentity{Provider: "google", SubjectID: "g-46", Email: "g46@example.com"})
	require.NoError(t, err)
	stale := user.Version

	current := env.user(t, user.ID)
	assert.ErrorIs(t, env.repo.DeleteOAuthLink(ctx, user.ID, "github", stale), ErrVersionConflict)
	require.NoError(t, env.repo.DeleteOAuthLink(ctx, user.ID, "github", current.Version))

	current = env.user(t, user.ID)
	assert.ErrorIs(t, env.repo.DeleteOAuthLink(ctx, user.ID, "google", current.Version), ErrLastAuthMethod)
	assert.ErrorIs(t, env.repo.DeleteOAuthLink(ctx, user.ID, "github", current.Version), ErrProviderNotLinked)
	assert.Len(t, env.user(t, user.ID).Links, 1)
}

func TestLinkingService_FindOrCreateFromProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("first sight creates a password-less user", func(t *testing.T) {
		env := newTestEnv(t)

		user, created, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("7"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Empty(t, user.PasswordHash)
		assert.True(t, user.IsActive)
		assert.Equal(t, []string{"user"}, user.Roles)
		assert.True(t, strings.HasPrefix(user.Username, "github-"))
		assert.Equal(t, "gh-7@example.com", user.Email)
		assert.Contains(t, env.eventNames(), events.UserRegistered)

		again, created, err := env.linking.FindOrCreateFromProvider(ctx, githubIdentity("7"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, user.ID, again.ID)
		require.NotNil(t, env.user(t, user.ID).Links[0].LastUsedAt)
	})

	tests := []struct {
		name     string
		setup    func(t *testing.T, env *testEnv)
		identity ProviderIdentity
		wantErr  error
	}{
		{
			name:     "identity without email",
			identity: ProviderIdentity{Provider: "github", SubjectID: "8"},
			wantErr:  ErrProviderIdentityRejected,
		},
		{
			name: "email owned by a local account",
			setup: func(t *testing.T, env *testEnv) {
				env.register(t, "taken")
			},
			identity: ProviderIdentity{Provider: "github", SubjectID: "9", Email: "TAKEN@example.com"},
			wantErr:  ErrUserExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(t, env)
			}

			user, created, err := env.linking.FindOrCreateFromProvider(ctx, tt.identity)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, user)
			assert.False(t, created)
		})
	}
}
