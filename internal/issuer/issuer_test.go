package issuer

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/rbac"
	"github.com/wardenhq/warden/internal/token"
)

var testTime = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func testKey(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/signing_key.pem")
	require.NoError(t, err)
	return string(data)
}

// newTestIssuer wires the full pipeline over an in-memory store: repository,
// provider and the default identity resolver.
func newTestIssuer(t *testing.T) (*Issuer, *rbac.Repository, *token.Provider) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testTime)
	repo := rbac.NewRepository(rbac.NewMemoryStore(clock), clock, nil)

	provider, err := token.NewProvider([]token.IdentityConfig{{
		Audience:    "aud://r1",
		Issuer:      "https://warden.example.com",
		KeyID:       "test-v1",
		Algorithm:   token.AlgorithmRS256,
		KeyMaterial: testKey(t),
	}}, clock, bytes.NewReader(bytes.Repeat([]byte{7}, 256)), nil)
	require.NoError(t, err)

	iss, err := New(repo, provider, nil, map[string]string{"urn://r1": "aud://r1"}, nil)
	require.NoError(t, err)
	return iss, repo, provider
}

func TestIssueToken(t *testing.T) {
	iss, repo, provider := newTestIssuer(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateResource(ctx, "urn://r1"))
	require.NoError(t, repo.CreateScope(ctx, "urn://r1", "s1"))
	require.NoError(t, repo.CreateRole(ctx, "urn://r1", "role1"))
	require.NoError(t, repo.CreateScopeAssignment(ctx, "urn://r1", "s1", "p1"))
	require.NoError(t, repo.CreateRoleAssignment(ctx, "urn://r1", "role1", "p1"))

	minted, err := iss.IssueToken(ctx, "p1", "urn://r1", "")
	require.NoError(t, err)
	require.Equal(t, testTime.Add(time.Hour), minted.ExpiresAt)

	claims, err := provider.Verify(minted.Token, "aud://r1")
	require.NoError(t, err)
	require.Equal(t, "p1", claims["sub"])
	require.Equal(t, "aud://r1", claims["aud"])
	require.Equal(t, "s1", claims["scp"])
	require.Equal(t, []any{"role1"}, claims["roles"])
}

func TestIssueTokenEmptyAccess(t *testing.T) {
	iss, repo, provider := newTestIssuer(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateResource(ctx, "urn://r1"))

	// Authentication without authorization: the token is still minted, with
	// an empty claim set.
	minted, err := iss.IssueToken(ctx, "p1", "urn://r1", "")
	require.NoError(t, err)

	claims, err := provider.Verify(minted.Token, "aud://r1")
	require.NoError(t, err)
	require.Equal(t, "", claims["scp"])
	require.Equal(t, []any{}, claims["roles"])
}

func TestIssueTokenScopeNarrowing(t *testing.T) {
	iss, repo, provider := newTestIssuer(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateResource(ctx, "urn://r1"))
	for _, s := range []string{"s1", "s2"} {
		require.NoError(t, repo.CreateScope(ctx, "urn://r1", s))
		require.NoError(t, repo.CreateScopeAssignment(ctx, "urn://r1", s, "p1"))
	}

	minted, err := iss.IssueToken(ctx, "p1", "urn://r1", "s2")
	require.NoError(t, err)
	claims, err := provider.Verify(minted.Token, "aud://r1")
	require.NoError(t, err)
	require.Equal(t, "s2", claims["scp"])

	_, err = iss.IssueToken(ctx, "p1", "urn://r1", "missing")
	require.True(t, trace.IsNotFound(err))
}

func TestIssueTokenNormalizesResource(t *testing.T) {
	iss, repo, _ := newTestIssuer(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateResource(ctx, "urn://r1"))

	// Trailing slashes are stripped before the audience lookup.
	_, err := iss.IssueToken(ctx, "p1", "urn://r1/", "")
	require.NoError(t, err)
}

func TestIssueTokenUnmappedResource(t *testing.T) {
	iss, repo, _ := newTestIssuer(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateResource(ctx, "urn://r2"))

	// The audience map gates issuance before any store access.
	_, err := iss.IssueToken(ctx, "p1", "urn://r2", "")
	require.True(t, trace.IsNotFound(err))
}

func TestIssueTokenMissingResource(t *testing.T) {
	iss, _, _ := newTestIssuer(t)

	_, err := iss.IssueToken(context.Background(), "p1", "urn://r1", "")
	require.True(t, trace.IsNotFound(err))
}

func TestIssueTokenInvalidCaller(t *testing.T) {
	iss, _, _ := newTestIssuer(t)
	ctx := context.Background()

	_, err := iss.IssueToken(ctx, "", "urn://r1", "")
	require.True(t, trace.IsBadParameter(err))
	_, err = iss.IssueToken(ctx, "bad#identity", "urn://r1", "")
	require.True(t, trace.IsBadParameter(err))
}

func TestIssueTokenCustomResolver(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testTime)
	repo := rbac.NewRepository(rbac.NewMemoryStore(clock), clock, nil)
	provider, err := token.NewProvider([]token.IdentityConfig{{
		Audience:    "aud://r1",
		Issuer:      "https://warden.example.com",
		KeyID:       "test-v1",
		Algorithm:   token.AlgorithmRS256,
		KeyMaterial: testKey(t),
	}}, clock, nil, nil)
	require.NoError(t, err)

	resolve := func(callerIdentity string) (string, error) {
		if callerIdentity != "session-token" {
			return "", trace.AccessDenied("unknown caller")
		}
		return "p1", nil
	}
	iss, err := New(repo, provider, resolve, map[string]string{"urn://r1": "aud://r1"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, repo.CreateResource(ctx, "urn://r1"))

	minted, err := iss.IssueToken(ctx, "session-token", "urn://r1", "")
	require.NoError(t, err)
	claims, err := provider.Verify(minted.Token, "aud://r1")
	require.NoError(t, err)
	require.Equal(t, "p1", claims["sub"])

	_, err = iss.IssueToken(ctx, "someone-else", "urn://r1", "")
	require.True(t, trace.IsAccessDenied(err))
}

func TestNewValidatesAudienceMap(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testTime)
	repo := rbac.NewRepository(rbac.NewMemoryStore(clock), clock, nil)
	provider, err := token.NewProvider([]token.IdentityConfig{{
		Audience:    "aud://r1",
		Issuer:      "https://warden.example.com",
		KeyID:       "test-v1",
		Algorithm:   token.AlgorithmRS256,
		KeyMaterial: testKey(t),
	}}, clock, nil, nil)
	require.NoError(t, err)

	_, err = New(repo, provider, nil, map[string]string{"not-a-uri": "aud://r1"}, nil)
	require.True(t, trace.IsBadParameter(err))
	_, err = New(repo, provider, nil, map[string]string{"urn://r1": ""}, nil)
	require.True(t, trace.IsBadParameter(err))
	_, err = New(nil, provider, nil, nil, nil)
	require.True(t, trace.IsBadParameter(err))
}
