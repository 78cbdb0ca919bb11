package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingTokenValidator = errors.New("request auth: token validator required")
	ErrMissingRequestToken   = errors.New("request auth: bearer token required")
)

const defaultTokenQueryParameter = "access_token"

// TokenValidator resolves the identity asserted by a signed token.
type TokenValidator interface {
	ValidateToken(tokenString string) (Identity, error)
}

// RequestAuthenticatorConfig describes how bearer credentials are read off
// incoming requests.
type RequestAuthenticatorConfig struct {
	Validator TokenValidator
	// QueryParameter names the fallback query parameter consulted when no
	// Authorization header is present. EventSource and browser WebSocket
	// clients cannot set request headers, so streaming endpoints pass the
	// token in the URL instead. Defaults to "access_token".
	QueryParameter string
}

// RequestAuthenticator extracts bearer credentials from HTTP requests and
// validates them.
type RequestAuthenticator struct {
	validator      TokenValidator
	queryParameter string
}

// NewRequestAuthenticator constructs an authenticator with the provided configuration.
func NewRequestAuthenticator(cfg RequestAuthenticatorConfig) (*RequestAuthenticator, error) {
	if cfg.Validator == nil {
		return nil, ErrMissingTokenValidator
	}
	queryParameter := strings.TrimSpace(cfg.QueryParameter)
	if queryParameter == "" {
		queryParameter = defaultTokenQueryParameter
	}
	return &RequestAuthenticator{
		validator:      cfg.Validator,
		queryParameter: queryParameter,
	}, nil
}

// Authenticate resolves the identity asserted by the request. The bearer token
// is read from the Authorization header first and from the configured query
// parameter when the header is absent.
func (a *RequestAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrMissingRequestToken
	}
	token, err := a.credentials(r)
	if err != nil {
		return Identity{}, err
	}
	return a.validator.ValidateToken(token)
}

func (a *RequestAuthenticator) credentials(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", ErrMissingRequestToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			return "", ErrMissingRequestToken
		}
		return token, nil
	}
	token := strings.TrimSpace(r.URL.Query().Get(a.queryParameter))
	if token == "" {
		return "", ErrMissingRequestToken
	}
	return token, nil
}
