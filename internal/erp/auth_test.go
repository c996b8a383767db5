package erp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:    srv.URL,
		APIKey:     "svc-key",
		APISecret:  "svc-secret",
		HTTPClient: srv.Client(),
	})
	return c, srv
}

func TestAuthenticateJSONLogin(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/method/login", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var creds struct {
			Usr string `json:"usr"`
			Pwd string `json:"pwd"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "alice@example.com", creds.Usr)

		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123"})
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"logged_in": true, "full_name": "Alice"},
		})
	}))

	art, err := c.Authenticate(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "json_login", art.Strategy)
	assert.Equal(t, "Alice", art.FullName)
	assert.True(t, art.HasCookies())
}

func TestAuthenticateBare200IsNotSuccess(t *testing.T) {
	// Every channel answers 200 with an empty body and a cookie. None of
	// the confirmation signals are present, so authentication must fail.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "bogus"})
		w.Write([]byte(`{}`))
	}))

	_, err := c.Authenticate(context.Background(), "alice@example.com", "pw")
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthReasonAmbiguous, authErr.Reason)
}

func TestAuthenticateFallsThroughToTokenProbe(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/method/login":
			w.WriteHeader(http.StatusForbidden)
		case strings.HasPrefix(r.Header.Get("Authorization"), "token "):
			// Token probe: user id echoed back confirms identity.
			json.NewEncoder(w).Encode(map[string]any{"message": "alice@example.com"})
		default:
			// Basic probe: ambiguous empty body.
			w.Write([]byte(`{}`))
		}
	}))

	art, err := c.Authenticate(context.Background(), "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "token_probe", art.Strategy)
}

func TestAuthenticateStringMessageSignals(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"message": "Logged In"})
	}))

	art, err := c.Authenticate(context.Background(), "bob@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "json_login", art.Strategy)
}

func TestAuthenticateAllRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Authenticate(context.Background(), "alice@example.com", "wrong")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthReasonInvalidCredentials, authErr.Reason)
}

func TestAuthenticateNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Options{BaseURL: url})
	_, err := c.Authenticate(context.Background(), "alice@example.com", "pw")

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthReasonNetwork, authErr.Reason)
}
