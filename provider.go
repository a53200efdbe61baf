package inncognito

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ErrUpstream is returned when the provider itself misbehaves, whether
// at the token endpoint, the key set endpoint, or the user API.
var ErrUpstream = errors.New("provider error")

// API is the provider's OAuth2 surface: the hosted login UI and the
// token endpoint, both rooted at the pool's domain.
type API struct {
	// Domain is the pool's domain base URL, e.g.
	// https://example.auth.us-east-1.amazoncognito.com.
	Domain string

	ClientID     string
	ClientSecret string

	// HTTPClient is used for the code exchange. Defaults to
	// http.DefaultClient's behavior with a 30 second timeout.
	HTTPClient *http.Client
}

func (a API) config(redirectURI string, scopes []string) *oauth2.Config {
	domain := strings.TrimRight(a.Domain, "/")
	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  domain + "/login",
			TokenURL: domain + "/oauth2/token",

			// the token endpoint wants client credentials in an
			// Authorization header, not the form body.
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// LoginURL is the hosted UI URL that starts an authorization-code flow
// carrying the one-time key as the OAuth2 state parameter.
func (a API) LoginURL(redirectURI, key string, scopes []string) string {
	return a.config(redirectURI, scopes).AuthCodeURL(key)
}

// TokenResponse is what the provider's token endpoint returns for an
// authorization code.
type TokenResponse struct {
	AccessToken  string
	IDToken      string
	RefreshToken string

	// ExpiresIn is seconds until the access token expires.
	ExpiresIn int64
}

// Exchange redeems an authorization code at the provider's token
// endpoint. Provider-side failures are wrapped in ErrUpstream.
func (a API) Exchange(ctx context.Context, code, redirectURI string) (TokenResponse, error) {
	if a.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.HTTPClient)
	}
	token, err := a.config(redirectURI, nil).Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return TokenResponse{}, fmt.Errorf("%w: token endpoint returned %s", ErrUpstream, retrieveErr.Response.Status)
		}
		return TokenResponse{}, fmt.Errorf("%w: exchanging code: %v", ErrUpstream, err)
	}
	resp := TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	if raw, ok := token.Extra("expires_in").(float64); ok {
		resp.ExpiresIn = int64(raw)
	}
	return resp, nil
}
