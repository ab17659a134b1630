package authheader

import (
	"io"
	"net/http"

	"github.com/go-authgate/storefront-cli/authtoken"
)

// Transport is an http.RoundTripper that authorizes API requests with the
// user token and hands 401 answers to the Service.
type Transport struct {
	Service *Service
	// Next defaults to http.DefaultTransport.
	Next http.RoundTripper
}

// NewTransport wraps next.
func NewTransport(s *Service, next http.RoundTripper) *Transport {
	return &Transport{Service: s, Next: next}
}

func (t *Transport) next() http.RoundTripper {
	if t.Next != nil {
		return t.Next
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	s := t.Service
	next := t.next()

	var tok *authtoken.AuthToken
	if s.ShouldAddAuthorizationHeader(req) {
		// Never send a token that a running refresh or logout is about to
		// replace.
		var err error
		if tok, err = s.ValidToken(req.Context()); err != nil {
			return nil, err
		}
	}

	resp, err := next.RoundTrip(s.AlterRequest(req, tok))
	if err != nil {
		return nil, err
	}

	// Only requests this transport authorized are recovered. A caller
	// supplied header or an anonymous call gets its 401 unchanged.
	if resp.StatusCode != http.StatusUnauthorized || tok == nil || !s.ShouldCatchError(req) {
		return resp, nil
	}
	if !replayable(req) {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return s.HandleExpiredAccessToken(req, next, tok)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}
