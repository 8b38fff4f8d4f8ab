package devicegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Identity is the authenticated principal returned by the identity
// provider. Role is read from the provider's role claim and may be empty.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// IdentityProvider is the external collaborator handling password
// verification and session issuance. This system only consumes its
// contract; credentials are forwarded, never stored.
type IdentityProvider interface {
	Authenticate(ctx context.Context, email, password string) (*Identity, error)
	SignOut(ctx context.Context) error
}

// AuthError carries the provider's own failure message, surfaced verbatim.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// HTTPIdentityProvider talks to the identity provider over JSON HTTP.
type HTTPIdentityProvider struct {
	base   string
	client *http.Client
}

// NewHTTPIdentityProvider creates a provider client for the auth base URL.
func NewHTTPIdentityProvider(baseURL string, client *http.Client) *HTTPIdentityProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPIdentityProvider{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Authenticate submits the credentials. Provider-reported failures come
// back as *AuthError with the provider's message.
func (p *HTTPIdentityProvider) Authenticate(ctx context.Context, email, password string) (*Identity, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("authenticate: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("authenticate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("authenticate: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error string `json:"error"`
		}
		msg := "Invalid email or password."
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		return nil, &AuthError{Message: msg}
	}

	var result struct {
		User  Identity `json:"user"`
		Error string   `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("authenticate: decode response: %w", err)
	}
	if result.Error != "" {
		return nil, &AuthError{Message: result.Error}
	}
	return &result.User, nil
}

// SignOut revokes the provider session. Best effort: a failed revocation
// is logged, not propagated, since the local flow has already decided to
// abandon the session.
func (p *HTTPIdentityProvider) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("sign out: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("identity provider sign-out failed")
		return nil
	}
	resp.Body.Close()
	return nil
}
