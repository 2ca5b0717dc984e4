// Package auth verifies the credentials presented on the signaling socket and
// the meetings API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is what a verified credential says about its bearer.
type Principal struct {
	// Subject is the JWT sub claim. Empty for API keys and unauthenticated
	// access.
	Subject string
	// Name is the optional display name carried by a JWT.
	Name string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return openVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type openVerifier struct{}

func (openVerifier) Verify(string) (Principal, error) { return Principal{}, nil }

// CredentialFromQuery reads apiKey or token. Either parameter is accepted for
// either mode, the mode-specific one wins.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return pick(mode, q.Get("apiKey"), q.Get("token"))
}

// CredentialFromRequest prefers an Authorization: Bearer header and falls
// back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			if mode == config.AuthModeNone {
				return "", nil
			}
			return strings.TrimSpace(token), nil
		}
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

// WireAuthMessage is the optional first message on the signaling socket for
// clients that cannot put credentials in the URL.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	return pick(mode, msg.APIKey, msg.Token)
}

func pick(mode config.AuthMode, apiKey, token string) (string, error) {
	var first, second string
	switch mode {
	case config.AuthModeNone, "":
		return "", nil
	case config.AuthModeAPIKey:
		first, second = apiKey, token
	case config.AuthModeJWT:
		first, second = token, apiKey
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	switch {
	case first != "":
		return first, nil
	case second != "":
		return second, nil
	default:
		return "", ErrMissingCredentials
	}
}
