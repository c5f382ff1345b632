package polestar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AuthState is the position of a Session in its authentication lifecycle.
type AuthState int

const (
	StateLoggedOut AuthState = iota
	StateAuthenticating
	// StateAuthenticated means a token set is held and has not reached ExpiresAt.
	StateAuthenticated
	// StateStale means a token set is held but ExpiresAt has passed; the next
	// authenticated call refreshes it.
	StateStale
)

func (s AuthState) String() string {
	switch s {
	case StateLoggedOut:
		return "logged-out"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// TokenSet is the access and refresh token pair of a session. ExpiresAt already
// has the expiry margin subtracted. A TokenSet is never mutated after creation;
// the session swaps whole values.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Fresh reports whether the token set is usable without refreshing at now.
func (t *TokenSet) Fresh(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// tokenResponse is the token shape shared by the token endpoint and refreshAuthToken.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// validateTokenResponse checks the fields a usable TokenSet needs.
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional, but if present, should be "Bearer"
	if tokenType != "" && tokenType != "Bearer" && tokenType != "bearer" {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// lifetimeFromJWT reads the exp claim of an access token without verifying its
// signature. It is only used when the server omits expires_in.
func lifetimeFromJWT(accessToken string, now time.Time) int {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return 0
	}
	if claims.ExpiresAt == nil {
		return 0
	}
	return int(claims.ExpiresAt.Sub(now) / time.Second)
}

// newTokenSet validates resp and converts it to a TokenSet issued at now.
// previousRefresh is kept when resp carries no refresh token.
func newTokenSet(
	resp tokenResponse,
	previousRefresh string,
	now time.Time,
	margin time.Duration,
) (*TokenSet, error) {
	if resp.ExpiresIn <= 0 {
		resp.ExpiresIn = lifetimeFromJWT(resp.AccessToken, now)
	}

	if err := validateTokenResponse(resp.AccessToken, resp.TokenType, resp.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	// Fixed mode: the server doesn't return a refresh_token (preserve old one)
	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	if refresh == "" {
		return nil, errors.New("invalid token response: refresh_token is empty")
	}

	return &TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn)*time.Second - margin),
	}, nil
}

// tokenResponseFromOAuth2 reads the fields of an exchanged oauth2.Token.
func tokenResponseFromOAuth2(token *oauth2.Token, now time.Time) tokenResponse {
	resp := tokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if token.ExpiresIn > 0 {
		resp.ExpiresIn = int(token.ExpiresIn)
	} else if !token.Expiry.IsZero() {
		resp.ExpiresIn = int(token.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp
}

// refreshTokens trades current for a new TokenSet through the refreshAuthToken
// query, authorized with the current (possibly expired) access token.
func refreshTokens(
	ctx context.Context,
	transport Transport,
	cfg Config,
	current *TokenSet,
	now func() time.Time,
) (*TokenSet, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, &tokenRefreshError{Err: errors.New("no refresh token")}
	}

	var data struct {
		RefreshAuthToken *tokenResponse `json:"refreshAuthToken"`
	}
	err := graphQL(ctx, transport, cfg.AuthAPIURL, current.AccessToken, graphQLRequest{
		Query:         queryRefreshToken,
		OperationName: "refreshAuthToken",
		Variables:     map[string]any{"token": current.RefreshToken},
	}, true, &data)
	if err != nil {
		return nil, &tokenRefreshError{Err: err}
	}
	if data.RefreshAuthToken == nil {
		return nil, &tokenRefreshError{Err: errors.New("refreshAuthToken returned no token")}
	}

	tokens, err := newTokenSet(*data.RefreshAuthToken, current.RefreshToken, now(), cfg.ExpiryMargin)
	if err != nil {
		return nil, &tokenRefreshError{Err: err}
	}
	return tokens, nil
}
