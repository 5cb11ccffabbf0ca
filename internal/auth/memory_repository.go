package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/elskow/modhub-identity/internal/events"
)

// MemoryRepository keeps every record in process memory behind one mutex, which makes each
// method (CommitLogin included) atomic. Used for development and tests.
type MemoryRepository struct {
	mu         sync.RWMutex
	users      map[string]*User
	providers  map[string]string
	attempts   []LoginAttempt
	tokens     map[string]*RefreshToken
	challenges map[string]*Challenge
	outbox     events.Outbox
	clock      func() time.Time
}

func NewMemoryRepository(outbox events.Outbox) *MemoryRepository {
	if outbox == nil {
		outbox = events.NewMemoryOutbox()
	}
	return &MemoryRepository{
		users:      make(map[string]*User),
		providers:  make(map[string]string),
		tokens:     make(map[string]*RefreshToken),
		challenges: make(map[string]*Challenge),
		outbox:     outbox,
		clock:      time.Now,
	}
}

func providerKey(provider, subjectID string) string {
	return provider + "\x00" + subjectID
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *User, event *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if !u.IsActive {
			continue
		}
		if strings.EqualFold(u.Username, user.Username) || strings.EqualFold(u.Email, user.Email) {
			return ErrUserExists
		}
	}
	if _, exists := r.users[user.ID]; exists {
		return ErrUserExists
	}
	for _, l := range user.Links {
		if _, taken := r.providers[providerKey(l.Provider, l.SubjectID)]; taken {
			return ErrProviderAlreadyLinked
		}
	}

	if event != nil {
		if err := r.outbox.Enqueue(ctx, *event); err != nil {
			return err
		}
	}

	stored := cloneUser(user)
	now := r.clock().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1
	r.users[stored.ID] = stored
	for _, l := range stored.Links {
		r.providers[providerKey(l.Provider, l.SubjectID)] = stored.ID
	}

	user.CreatedAt = stored.CreatedAt
	user.UpdatedAt = stored.UpdatedAt
	user.Version = stored.Version
	return nil
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryRepository) GetUserByEmailOrUsername(_ context.Context, identifier string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var inactive *User
	for _, u := range r.users {
		if !strings.EqualFold(u.Email, identifier) && !strings.EqualFold(u.Username, identifier) {
			continue
		}
		if u.IsActive {
			return cloneUser(u), nil
		}
		inactive = u
	}
	if inactive != nil {
		return cloneUser(inactive), nil
	}
	return nil, ErrUserNotFound
}

func (r *MemoryRepository) GetUserByProvider(_ context.Context, provider, subjectID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.providers[providerKey(provider, subjectID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(r.users[id]), nil
}

func (r *MemoryRepository) UpdateUser(_ context.Context, id string, version int64, update UserUpdate) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	if u.Version != version {
		return nil, ErrVersionConflict
	}
	applyUserUpdate(u, update, r.clock().UTC())
	return cloneUser(u), nil
}

func (r *MemoryRepository) SaveOAuthLink(_ context.Context, userID string, link OAuthLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if owner, taken := r.providers[providerKey(link.Provider, link.SubjectID)]; taken && owner != userID {
		return ErrProviderAlreadyLinked
	}
	if _, exists := findLink(u, link.Provider); exists {
		return ErrProviderLinkExists
	}

	u.Links = append(u.Links, link)
	u.Version++
	u.UpdatedAt = r.clock().UTC()
	r.providers[providerKey(link.Provider, link.SubjectID)] = userID
	return nil
}

func (r *MemoryRepository) TouchOAuthLink(_ context.Context, provider, subjectID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.providers[providerKey(provider, subjectID)]
	if !ok {
		return ErrProviderNotLinked
	}
	u := r.users[id]
	for i := range u.Links {
		if u.Links[i].Provider == provider {
			used := at.UTC()
			u.Links[i].LastUsedAt = &used
		}
	}
	return nil
}

func (r *MemoryRepository) DeleteOAuthLink(_ context.Context, userID, provider string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.Version != version {
		return ErrVersionConflict
	}
	if err := checkUnlink(u, provider); err != nil {
		return err
	}
	for i, l := range u.Links {
		if l.Provider != provider {
			continue
		}
		delete(r.providers, providerKey(l.Provider, l.SubjectID))
		u.Links = append(u.Links[:i], u.Links[i+1:]...)
		u.Version++
		u.UpdatedAt = r.clock().UTC()
		return nil
	}
	return ErrProviderNotLinked
}

func (r *MemoryRepository) SaveLoginAttempt(_ context.Context, attempt *LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts = append(r.attempts, *attempt)
	return nil
}

// LoginAttempts returns the recorded attempts for userID, oldest first.
func (r *MemoryRepository) LoginAttempts(userID string) []LoginAttempt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []LoginAttempt
	for _, a := range r.attempts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

func (r *MemoryRepository) GetRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[id]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	return cloneToken(t), nil
}

func (r *MemoryRepository) SaveRefreshToken(_ context.Context, token *RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens[token.ID] = cloneToken(token)
	return nil
}

func (r *MemoryRepository) RotateRefreshToken(_ context.Context, oldID string, next *RefreshToken, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.tokens[oldID]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	if old.RevokedAt != nil {
		return ErrRefreshTokenAlreadyUsed
	}

	revoked := at.UTC()
	old.RevokedAt = &revoked
	old.ReplacedBy = next.ID
	r.tokens[next.ID] = cloneToken(next)
	return nil
}

func (r *MemoryRepository) RevokeRefreshToken(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	revoked := at.UTC()
	t.RevokedAt = &revoked
	return true, nil
}

func (r *MemoryRepository) RevokeChain(_ context.Context, chainID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.revokeWhere(func(t *RefreshToken) bool { return t.ChainID == chainID }, at), nil
}

func (r *MemoryRepository) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.revokeWhere(func(t *RefreshToken) bool { return t.UserID == userID }, at), nil
}

func (r *MemoryRepository) UpdateUserRevokingSessions(_ context.Context, id string, version int64, update UserUpdate, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	if u.Version != version {
		return 0, ErrVersionConflict
	}
	applyUserUpdate(u, update, r.clock().UTC())
	return r.revokeWhere(func(t *RefreshToken) bool { return t.UserID == id }, at), nil
}

func (r *MemoryRepository) revokeWhere(match func(*RefreshToken) bool, at time.Time) int64 {
	var n int64
	revoked := at.UTC()
	for _, t := range r.tokens {
		if t.RevokedAt == nil && match(t) {
			ts := revoked
			t.RevokedAt = &ts
			n++
		}
	}
	return n
}

func (r *MemoryRepository) SaveChallenge(_ context.Context, challenge *Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *challenge
	r.challenges[c.ID] = &c
	return nil
}

func (r *MemoryRepository) GetChallenge(_ context.Context, id string) (*Challenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	out := *c
	return &out, nil
}

func (r *MemoryRepository) UpdateChallenge(_ context.Context, id string, expectedAttempts, attempts int, status ChallengeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.challenges[id]
	if !ok {
		return ErrChallengeNotFound
	}
	if c.Status != ChallengePending || c.Attempts != expectedAttempts {
		return ErrVersionConflict
	}
	c.Attempts = attempts
	c.Status = status
	return nil
}

func (r *MemoryRepository) CommitLogin(ctx context.Context, commit LoginCommit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[commit.UserID]
	if !ok {
		return ErrUserNotFound
	}
	if u.Version != commit.Version {
		return ErrVersionConflict
	}

	var challenge *Challenge
	if commit.ChallengeID != "" {
		challenge, ok = r.challenges[commit.ChallengeID]
		if !ok {
			return ErrChallengeNotFound
		}
		if challenge.Status != ChallengePending || challenge.Attempts != commit.ChallengeAttempts {
			return ErrVersionConflict
		}
	}

	if commit.Event.ID != "" {
		if err := r.outbox.Enqueue(ctx, commit.Event); err != nil {
			return err
		}
	}

	applyUserUpdate(u, commit.Update, r.clock().UTC())
	if commit.Token != nil {
		r.tokens[commit.Token.ID] = cloneToken(commit.Token)
	}
	if commit.Attempt != nil {
		r.attempts = append(r.attempts, *commit.Attempt)
	}
	if challenge != nil {
		challenge.Status = ChallengeCompleted
	}
	return nil
}

func (r *MemoryRepository) EnqueueEvent(ctx context.Context, event events.Event) error {
	return r.outbox.Enqueue(ctx, event)
}

func (r *MemoryRepository) PurgeStale(_ context.Context, cutoff PurgeCutoff) (PurgeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res PurgeResult
	if !cutoff.TokensExpiredBefore.IsZero() {
		for id, t := range r.tokens {
			if t.ExpiresAt.Before(cutoff.TokensExpiredBefore) {
				delete(r.tokens, id)
				res.Tokens++
			}
		}
	}
	if !cutoff.ChallengesExpiredBefore.IsZero() {
		for id, c := range r.challenges {
			if c.ExpiresAt.Before(cutoff.ChallengesExpiredBefore) {
				delete(r.challenges, id)
				res.Challenges++
			}
		}
	}
	if !cutoff.AttemptsBefore.IsZero() {
		kept := r.attempts[:0]
		for _, a := range r.attempts {
			if a.CreatedAt.Before(cutoff.AttemptsBefore) {
				res.Attempts++
				continue
			}
			kept = append(kept, a)
		}
		r.attempts = kept
	}
	return res, nil
}

func applyUserUpdate(u *User, update UserUpdate, now time.Time) {
	if update.PasswordHash != nil {
		u.PasswordHash = *update.PasswordHash
	}
	if update.IsActive != nil {
		u.IsActive = *update.IsActive
	}
	if update.TwoFactorEnabled != nil {
		u.TwoFactorEnabled = *update.TwoFactorEnabled
	}
	if update.TwoFactorSecret != nil {
		u.TwoFactorSecret = *update.TwoFactorSecret
	}
	if update.PendingTwoFactorSecret != nil {
		u.PendingTwoFactorSecret = *update.PendingTwoFactorSecret
	}
	if update.LastTOTPCounter != nil {
		u.LastTOTPCounter = *update.LastTOTPCounter
	}
	if update.FailedLoginAttempts != nil {
		u.FailedLoginAttempts = *update.FailedLoginAttempts
	}
	if update.LastFailedLoginAt != nil {
		t := *update.LastFailedLoginAt
		u.LastFailedLoginAt = &t
	}
	if update.ClearLockedUntil {
		u.LockedUntil = nil
	} else if update.LockedUntil != nil {
		t := *update.LockedUntil
		u.LockedUntil = &t
	}
	if update.LockoutCount != nil {
		u.LockoutCount = *update.LockoutCount
	}
	if update.LastLoginAt != nil {
		t := *update.LastLoginAt
		u.LastLoginAt = &t
	}
	if update.Roles != nil {
		u.Roles = append([]string(nil), update.Roles...)
	}
	u.UpdatedAt = now
	u.Version++
}

func cloneUser(u *User) *User {
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	c.Links = append([]OAuthLink(nil), u.Links...)
	c.LastFailedLoginAt = cloneTime(u.LastFailedLoginAt)
	c.LockedUntil = cloneTime(u.LockedUntil)
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	return &c
}

func cloneToken(t *RefreshToken) *RefreshToken {
	c := *t
	c.RevokedAt = cloneTime(t.RevokedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
