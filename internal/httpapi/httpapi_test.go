package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/issuer"
	"github.com/wardenhq/warden/internal/rbac"
	"github.com/wardenhq/warden/internal/token"
)

var testTime = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// newTestRouter stands up the whole service over an in-memory store and seeds
// resource urn://r1 with scope s1 and role role1 assigned to p1.
func newTestRouter(t *testing.T) (http.Handler, *token.Provider) {
	t.Helper()
	key, err := os.ReadFile("../issuer/testdata/signing_key.pem")
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(testTime)
	repo := rbac.NewRepository(rbac.NewMemoryStore(clock), clock, nil)
	provider, err := token.NewProvider([]token.IdentityConfig{{
		Audience:    "aud://r1",
		Issuer:      "https://warden.example.com",
		KeyID:       "test-v1",
		Algorithm:   token.AlgorithmRS256,
		KeyMaterial: string(key),
	}}, clock, nil, nil)
	require.NoError(t, err)

	iss, err := issuer.New(repo, provider, nil, map[string]string{"urn://r1": "aud://r1"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, repo.CreateResource(ctx, "urn://r1"))
	require.NoError(t, repo.CreateScope(ctx, "urn://r1", "s1"))
	require.NoError(t, repo.CreateRole(ctx, "urn://r1", "role1"))
	require.NoError(t, repo.CreateScopeAssignment(ctx, "urn://r1", "s1", "p1"))
	require.NoError(t, repo.CreateRoleAssignment(ctx, "urn://r1", "role1", "p1"))

	return NewHandler(iss, provider, nil).Router(), provider
}

func postToken(t *testing.T, router http.Handler, identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/token", strings.NewReader(body))
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTokenEndpoint(t *testing.T) {
	router, provider := newTestRouter(t)

	rec := postToken(t, router, "p1", `{"resource": "urn://r1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, testTime.Add(time.Hour).Equal(resp.ExpiresAt))

	claims, err := provider.Verify(resp.Token, "aud://r1")
	require.NoError(t, err)
	require.Equal(t, "p1", claims["sub"])
	require.Equal(t, "s1", claims["scp"])
	require.Equal(t, []any{"role1"}, claims["roles"])
}

func TestTokenEndpointScoped(t *testing.T) {
	router, provider := newTestRouter(t)

	rec := postToken(t, router, "p1", `{"resource": "urn://r1", "scope": "s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := provider.Verify(resp.Token, "aud://r1")
	require.NoError(t, err)
	require.Equal(t, "s1", claims["scp"])
}

func TestTokenEndpointErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name     string
		identity string
		body     string
		status   int
	}{
		{name: "missing identity header", identity: "", body: `{"resource": "urn://r1"}`, status: http.StatusForbidden},
		{name: "malformed body", identity: "p1", body: `{`, status: http.StatusBadRequest},
		{name: "invalid resource", identity: "p1", body: `{"resource": "not-a-uri"}`, status: http.StatusBadRequest},
		{name: "unknown resource", identity: "p1", body: `{"resource": "urn://missing"}`, status: http.StatusNotFound},
		{name: "unknown scope", identity: "p1", body: `{"resource": "urn://r1", "scope": "missing"}`, status: http.StatusNotFound},
		{name: "invalid identity", identity: "bad#identity", body: `{"resource": "urn://r1"}`, status: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postToken(t, router, tc.identity, tc.body)
			require.Equal(t, tc.status, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotEmpty(t, resp["error"])
		})
	}
}

func TestJWKSEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			Alg string `json:"alg"`
			N   string `json:"n"`
			E   string `json:"e"`
			D   string `json:"d"`
		} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, "RSA", jwks.Keys[0].Kty)
	require.Equal(t, "test-v1", jwks.Keys[0].Kid)
	require.Equal(t, "sig", jwks.Keys[0].Use)
	require.Equal(t, "RS256", jwks.Keys[0].Alg)
	require.NotEmpty(t, jwks.Keys[0].N)
	require.Empty(t, jwks.Keys[0].D, "JWKS must never expose private material")
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/token", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
