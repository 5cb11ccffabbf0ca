package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/elskow/modhub-identity/internal/config"
)

const (
	stateTTL       = 10 * time.Minute
	maxPendingAuth = 4096
)

// ProviderIdentity is an external account asserted by a verified ID token.
type ProviderIdentity struct {
	Provider      string
	SubjectID     string
	Email         string
	EmailVerified bool
}

type identityProvider struct {
	verifier *oidc.IDTokenVerifier
	oauth2   *oauth2.Config
}

// ProviderRegistry verifies ID tokens and runs the authorization code exchange for every
// configured OpenID Connect provider.
type ProviderRegistry struct {
	providers map[string]*identityProvider
	states    *expirable.LRU[string, string]
	log       *zap.Logger
}

func newProviderRegistry(log *zap.Logger) *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]*identityProvider),
		states:    expirable.NewLRU[string, string](maxPendingAuth, nil, stateTTL),
		log:       log,
	}
}

// NewProviderRegistry runs discovery against each provider's issuer.
func NewProviderRegistry(ctx context.Context, cfg *config.OAuthConfig, log *zap.Logger) (*ProviderRegistry, error) {
	r := newProviderRegistry(log)
	for _, p := range cfg.Providers {
		op, err := oidc.NewProvider(ctx, p.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("discover oidc provider %s: %w", p.Name, err)
		}

		scopes := append([]string{oidc.ScopeOpenID}, p.Scopes...)
		r.Register(p.Name,
			op.Verifier(&oidc.Config{ClientID: p.ClientID}),
			&oauth2.Config{
				ClientID:     p.ClientID,
				ClientSecret: p.ClientSecret,
				RedirectURL:  p.RedirectURL,
				Endpoint:     op.Endpoint(),
				Scopes:       scopes,
			})
		log.Info("oidc provider registered", zap.String("provider", p.Name), zap.String("issuer", p.IssuerURL))
	}
	return r, nil
}

// Register adds or replaces a provider. oauthConfig may be nil when only ID tokens are
// accepted.
func (r *ProviderRegistry) Register(name string, verifier *oidc.IDTokenVerifier, oauthConfig *oauth2.Config) {
	r.providers[name] = &identityProvider{verifier: verifier, oauth2: oauthConfig}
}

func (r *ProviderRegistry) lookup(name string) (*identityProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *ProviderRegistry) VerifyIDToken(ctx context.Context, provider, rawIDToken string) (ProviderIdentity, error) {
	p, err := r.lookup(provider)
	if err != nil {
		return ProviderIdentity{}, err
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderIdentity{}, fmt.Errorf("%w: %w", ErrProviderIdentityRejected, err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return ProviderIdentity{}, fmt.Errorf("%w: %w", ErrProviderIdentityRejected, err)
	}

	return ProviderIdentity{
		Provider:      provider,
		SubjectID:     idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// AuthCodeURL starts an authorization code flow and remembers the state for one use.
func (r *ProviderRegistry) AuthCodeURL(provider string) (string, string, error) {
	p, err := r.lookup(provider)
	if err != nil {
		return "", "", err
	}
	if p.oauth2 == nil {
		return "", "", fmt.Errorf("%w: %s has no authorization endpoint", ErrUnknownProvider, provider)
	}

	state, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	r.states.Add(state, provider)
	return p.oauth2.AuthCodeURL(state, oauth2.AccessTypeOnline), state, nil
}

// ExchangeCode redeems an authorization code and verifies the returned ID token. state
// must come from AuthCodeURL for the same provider.
func (r *ProviderRegistry) ExchangeCode(ctx context.Context, provider, state, code string) (ProviderIdentity, error) {
	issuedFor, ok := r.states.Get(state)
	if !ok || issuedFor != provider {
		return ProviderIdentity{}, fmt.Errorf("%w: unknown or expired state", ErrProviderIdentityRejected)
	}
	r.states.Remove(state)

	p, err := r.lookup(provider)
	if err != nil {
		return ProviderIdentity{}, err
	}
	if p.oauth2 == nil {
		return ProviderIdentity{}, fmt.Errorf("%w: %s has no token endpoint", ErrUnknownProvider, provider)
	}

	token, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return ProviderIdentity{}, fmt.Errorf("%w: %w", ErrProviderIdentityRejected, err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return ProviderIdentity{}, fmt.Errorf("%w: token response carries no id_token", ErrProviderIdentityRejected)
	}
	return r.VerifyIDToken(ctx, provider, rawIDToken)
}
