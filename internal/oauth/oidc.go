// oidc.go -- Relying party for any issuer that publishes an OIDC discovery document.
package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var defaultScopes = []string{"email", "profile"}

// OIDCConfig is one client registration at an issuer.
type OIDCConfig struct {
	Name         string // route segment, e.g. "google" or "datev"
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string // requested in addition to openid; nil means email and profile
}

// OIDCProvider is a Provider backed by discovery, JWKS verification and PKCE.
type OIDCProvider struct {
	name     string
	oauth    *oauth2.Config
	idTokens *oidc.IDTokenVerifier
}

// NewOIDCProvider resolves the issuer's endpoints and keys. It performs network I/O.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Name == "" || cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc provider needs name, issuer and client id")
	}
	issuer, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("%s oidc discovery: %w", cfg.Name, err)
	}
	if cfg.Scopes == nil {
		cfg.Scopes = defaultScopes
	}
	return &OIDCProvider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     issuer.Endpoint(),
			Scopes:       append([]string{oidc.ScopeOpenID}, cfg.Scopes...),
		},
		idTokens: issuer.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

func (p *OIDCProvider) AuthCodeURL(state, codeChallenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems code at the token endpoint. The ID token must carry a valid
// issuer signature, our client id as audience, and an unexpired exp.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error) {
	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("%s token exchange: %w", p.name, err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("%s token response has no id_token", p.name)
	}
	idToken, err := p.idTokens.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%s id token: %w", p.name, err)
	}

	var id struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
	}
	if err := idToken.Claims(&id); err != nil {
		return nil, fmt.Errorf("%s id token claims: %w", p.name, err)
	}
	return &Claims{
		Sub:           idToken.Subject,
		Email:         id.Email,
		EmailVerified: id.EmailVerified,
		GivenName:     id.GivenName,
		FamilyName:    id.FamilyName,
	}, nil
}
