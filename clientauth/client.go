// Package clientauth obtains application-level client tokens with the OAuth
// client credentials grant.
package clientauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/go-authgate/storefront-cli/authtoken"
	"github.com/go-authgate/storefront-cli/oauthlib"
)

// Doer sends HTTP requests.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Service loads client tokens. It keeps no state between calls.
type Service struct {
	cfg  *oauth2.Config
	doer Doer
}

// New creates a Service that posts to cfg's token URL.
func New(cfg *oauth2.Config, doer Doer) *Service {
	return &Service{cfg: cfg, doer: doer}
}

// LoadClientAuthenticationToken performs one client credentials exchange.
// Transport and server errors are returned unchanged; nothing is retried here.
func (s *Service) LoadClientAuthenticationToken(ctx context.Context) (*authtoken.ClientToken, error) {
	form := url.Values{}
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.cfg.Endpoint.TokenURL,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, oauthlib.NewRetrieveError(resp, body)
	}

	var tok authtoken.ClientToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse client token: %w", err)
	}
	return &tok, nil
}
