// Package authtoken holds the storefront token model and the in-memory token
// cell every other auth component reads from.
package authtoken

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AuthToken is the end-user token pair issued by the authorization server.
type AuthToken struct {
	AccessToken         string    `json:"access_token"`
	AccessTokenStoredAt string    `json:"access_token_stored_at"`
	RefreshToken        string    `json:"refresh_token,omitempty"`
	TokenType           string    `json:"token_type,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// ClientToken is a client-credentials token. It is never stored.
type ClientToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// StoredAt formats t the way AccessTokenStoredAt is kept: Unix milliseconds.
func StoredAt(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Clone returns a copy of t, or nil for a nil token.
func (t *AuthToken) Clone() *AuthToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SameAccess reports whether t and other carry the same access token.
// Two nil tokens are the same; a nil and a non-nil token are not.
func (t *AuthToken) SameAccess(other *AuthToken) bool {
	if t == nil || other == nil {
		return t == nil && other == nil
	}
	return t.AccessToken == other.AccessToken
}

// HasRefreshToken reports whether the token can be refreshed.
func (t *AuthToken) HasRefreshToken() bool {
	return t != nil && t.RefreshToken != ""
}

// Expired reports whether the access token is past its expiry at now.
// Without ExpiresAt the token is inspected as an unverified JWT; opaque tokens
// without expiry information never expire from the client's point of view.
func (t *AuthToken) Expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if !t.ExpiresAt.IsZero() {
		return !now.Before(t.ExpiresAt)
	}
	exp, ok := jwtExpiry(t.AccessToken)
	if !ok {
		return false
	}
	return !now.Before(exp)
}

// jwtExpiry extracts the exp claim without verifying the signature. The
// client never holds the signing key, it only needs the hint.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// FromOAuth2 converts an oauth2 token received at now.
func FromOAuth2(tok *oauth2.Token, now time.Time) *AuthToken {
	if tok == nil {
		return nil
	}
	t := &AuthToken{
		AccessToken:         tok.AccessToken,
		AccessTokenStoredAt: StoredAt(now),
		RefreshToken:        tok.RefreshToken,
		TokenType:           tok.TokenType,
		ExpiresAt:           tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	return t
}
