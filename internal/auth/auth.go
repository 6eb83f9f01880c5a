// Package auth verifies connection tokens against the identity
// collaborator. Tokens are opaque; verification yields the user identity a
// connection is bound to for its whole lifetime.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/errs"
)

// Claims is the verified identity behind a token.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Verifier checks a bearer token and returns the identity it belongs to.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// HTTPVerifier validates tokens against an external identity endpoint.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPVerifier creates a verifier backed by the configured endpoint.
func NewHTTPVerifier(cfg config.AuthConfig) *HTTPVerifier {
	return &HTTPVerifier{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
	}
}

// Verify posts the token to the identity endpoint. Any non-200 answer is an
// authentication failure; transport errors surface as collaborator errors.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, &errs.AuthenticationError{Reason: "missing token"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &errs.CollaboratorError{Collaborator: "identity", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.AuthenticationError{
			Reason: fmt.Sprintf("identity service returned %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.CollaboratorError{Collaborator: "identity", Err: err}
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, &errs.CollaboratorError{
			Collaborator: "identity",
			Err:          fmt.Errorf("invalid verify response: %w", err),
		}
	}
	if claims.UserID == "" {
		return nil, &errs.AuthenticationError{Reason: "verify response missing user id"}
	}
	return &claims, nil
}

// StaticVerifier resolves tokens from a fixed map. Used in tests and in
// deployments without an identity service.
type StaticVerifier struct {
	tokens map[string]string // token -> userID
}

// NewStaticVerifier creates a verifier over a fixed token table.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	userID, ok := v.tokens[token]
	if !ok || token == "" {
		return nil, &errs.AuthenticationError{Reason: "unknown token"}
	}
	return &Claims{UserID: userID, DisplayName: userID}, nil
}

// FromConfig builds the verifier the configuration asks for: HTTP when an
// endpoint is set, static otherwise.
func FromConfig(cfg config.AuthConfig) Verifier {
	if cfg.Endpoint != "" {
		return NewHTTPVerifier(cfg)
	}
	return NewStaticVerifier(cfg.StaticTokens)
}

// BearerToken extracts the token from an Authorization header or a query
// parameter fallback, preferring the header.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
