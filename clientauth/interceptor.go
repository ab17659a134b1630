package clientauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-authgate/storefront-cli/authtoken"
)

type clientTokenKey struct{}

// WithClientToken marks requests built with ctx as needing a client token.
func WithClientToken(ctx context.Context) context.Context {
	return context.WithValue(ctx, clientTokenKey{}, true)
}

func wantsClientToken(ctx context.Context) bool {
	v, _ := ctx.Value(clientTokenKey{}).(bool)
	return v
}

// Interceptor authorizes marked requests with a freshly loaded client token.
type Interceptor struct {
	Service *Service
	Next    http.RoundTripper

	// OnToken, if set, receives every token loaded for a request.
	OnToken func(*authtoken.ClientToken)
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	next := i.Next
	if next == nil {
		next = http.DefaultTransport
	}

	if !wantsClientToken(req.Context()) || req.Header.Get("Authorization") != "" {
		return next.RoundTrip(req)
	}

	tok, err := i.Service.LoadClientAuthenticationToken(req.Context())
	if err != nil {
		return nil, fmt.Errorf("client token: %w", err)
	}
	if i.OnToken != nil {
		i.OnToken(tok)
	}

	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return next.RoundTrip(out)
}
