package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/errs"
)

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]string{"tok-1": "user-1"})

	claims, err := v.Verify(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", claims.UserID)
	}

	if _, err := v.Verify(context.Background(), "unknown"); err == nil {
		t.Error("expected error for unknown token")
	} else if errs.Code(err) != errs.CodeAuthentication {
		t.Errorf("expected authentication code, got %s", errs.Code(err))
	}

	if _, err := v.Verify(context.Background(), ""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestHTTPVerifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"user_id": "user-42", "display_name": "Alice"}`))
		case "Bearer empty-claims":
			w.Write([]byte(`{}`))
		case "Bearer garbage":
			w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	v := NewHTTPVerifier(config.AuthConfig{Endpoint: server.URL, Timeout: 2})

	claims, err := v.Verify(context.Background(), "good")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.UserID != "user-42" || claims.DisplayName != "Alice" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := v.Verify(context.Background(), "bad"); errs.Code(err) != errs.CodeAuthentication {
		t.Errorf("expected authentication_error for rejected token, got %v", err)
	}

	if _, err := v.Verify(context.Background(), "empty-claims"); errs.Code(err) != errs.CodeAuthentication {
		t.Errorf("expected authentication_error for missing user id, got %v", err)
	}

	if _, err := v.Verify(context.Background(), "garbage"); errs.Code(err) != errs.CodeCollaborator {
		t.Errorf("expected collaborator_error for malformed response, got %v", err)
	}

	if _, err := v.Verify(context.Background(), ""); errs.Code(err) != errs.CodeAuthentication {
		t.Errorf("expected authentication_error for empty token, got %v", err)
	}
}

func TestHTTPVerifierTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // force connection refused

	v := NewHTTPVerifier(config.AuthConfig{Endpoint: server.URL, Timeout: 1})
	if _, err := v.Verify(context.Background(), "tok"); errs.Code(err) != errs.CodeCollaborator {
		t.Errorf("expected collaborator_error for unreachable endpoint, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig(config.AuthConfig{Endpoint: "http://localhost:9000/verify", Timeout: 5}).(*HTTPVerifier); !ok {
		t.Error("expected HTTPVerifier when endpoint is set")
	}
	if _, ok := FromConfig(config.AuthConfig{StaticTokens: map[string]string{"t": "u"}, Timeout: 5}).(*StaticVerifier); !ok {
		t.Error("expected StaticVerifier when only static tokens are set")
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=query-tok", nil)
	if got := BearerToken(r); got != "query-tok" {
		t.Errorf("expected query token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer header-tok")
	if got := BearerToken(r); got != "header-tok" {
		t.Errorf("expected header to win over query, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if got := BearerToken(r); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}
