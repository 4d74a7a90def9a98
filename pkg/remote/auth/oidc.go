package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
)

type (
	OIDCParam struct {
		IssuerURL    string
		ClientID     string
		ClientSecret string
	}
	// OIDCAuthenticator uses the resource owner password grant of the
	// identity provider. The id token is verified and its subject becomes
	// the account id.
	OIDCAuthenticator struct {
		param   OIDCParam
		log     *log.Logger
		mu      sync.Mutex
		cfg     *oauth2.Config
		verify  *oidc.IDTokenVerifier
		skew    time.Duration
		timeout time.Duration
	}
	OIDCOption func(*OIDCAuthenticator)

	idClaims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
	}
)

var _ remote.Authenticator = (*OIDCAuthenticator)(nil)

var ErrNoIDToken = errors.New("no id_token in token response")

// WithExpirySkew shortens the reported token lifetime so that the worker
// re-authenticates before the provider rejects the token.
func WithExpirySkew(d time.Duration) OIDCOption {
	return func(a *OIDCAuthenticator) { a.skew = d }
}

func WithRequestTimeout(d time.Duration) OIDCOption {
	return func(a *OIDCAuthenticator) { a.timeout = d }
}

func NewOIDCAuthenticator(param OIDCParam, opts ...OIDCOption) *OIDCAuthenticator {
	ret := &OIDCAuthenticator{
		param:   param,
		log:     log.Default().Named("remote.oidc"),
		skew:    10 * time.Second,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// provider discovery is done lazily, the issuer may not be reachable at startup
func (a *OIDCAuthenticator) setup(ctx context.Context) (*oauth2.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg != nil {
		return a.cfg, nil
	}
	provider, err := oidc.NewProvider(ctx, a.param.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", a.param.IssuerURL, err)
	}
	a.cfg = &oauth2.Config{
		ClientID:     a.param.ClientID,
		ClientSecret: a.param.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	a.verify = provider.Verifier(&oidc.Config{ClientID: a.param.ClientID})
	return a.cfg, nil
}

//nolint:whitespace // can't make both editor and linter happy
func (a *OIDCAuthenticator) Authenticate(
	ctx context.Context, creds remote.Credentials,
) (model.AccountHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, &http.Client{Timeout: a.timeout})

	cfg, err := a.setup(ctx)
	if err != nil {
		return model.AccountHandle{}, err
	}
	token, err := cfg.PasswordCredentialsToken(ctx, creds.Email, creds.Secret)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			re.Response.StatusCode < http.StatusInternalServerError {
			return model.AccountHandle{}, &model.RemoteAuthError{Account: creds.Email, Err: err}
		}
		return model.AccountHandle{}, fmt.Errorf("token request: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return model.AccountHandle{}, &model.RemoteAuthError{
			Account: creds.Email, Err: ErrNoIDToken,
		}
	}
	idToken, err := a.verify.Verify(ctx, rawIDToken)
	if err != nil {
		return model.AccountHandle{}, &model.RemoteAuthError{Account: creds.Email, Err: err}
	}
	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return model.AccountHandle{}, fmt.Errorf("claims: %w", err)
	}
	if claims.Email == "" {
		claims.Email = creds.Email
	}
	expires := token.Expiry
	if !expires.IsZero() {
		expires = expires.Add(-a.skew)
	}
	a.log.Debug("authenticated",
		log.String("subject", claims.Subject),
		log.Time("expires", expires))
	return model.AccountHandle{
		ID:        claims.Subject,
		Email:     claims.Email,
		Token:     token.AccessToken,
		ExpiresAt: expires,
	}, nil
}
