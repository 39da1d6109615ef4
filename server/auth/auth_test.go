package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func newTestGate(t *testing.T) (*Gate, *storetest.FakeDriver) {
	t.Helper()
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	g := New(s, []byte("test-signing-key"))
	t.Cleanup(g.Close)
	return g, fake
}

func TestAuthenticateValidToken(t *testing.T) {
	g, fake := newTestGate(t)
	fake.SetToken(&store.Token{
		Token:      "tok1",
		Email:      "alice@example.com",
		SuperAdmin: true,
		Scopes:     []string{"g/admins", "f/shared"},
	})

	authed, err := g.Authenticate(context.Background(), "tok1", "ws1")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", authed.Email)
	require.Equal(t, "alice", authed.Username)
	require.True(t, authed.IsAdmin)
	require.Equal(t, []string{"admins"}, authed.Groups)
	require.Equal(t, []string{"shared"}, authed.Folders)
}

func TestAuthenticateUnknownTokenRejected(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Authenticate(context.Background(), "missing", "ws1")
	require.Error(t, err)
}

func TestAuthenticateExpiredTokenRejected(t *testing.T) {
	g, fake := newTestGate(t)
	past := time.Now().Add(-time.Hour)
	fake.SetToken(&store.Token{Token: "tok1", Email: "alice@example.com", Expiration: &past})

	_, err := g.Authenticate(context.Background(), "tok1", "ws1")
	require.Error(t, err)
}

func TestAuthenticateCachesResult(t *testing.T) {
	g, fake := newTestGate(t)
	fake.SetToken(&store.Token{Token: "tok1", Email: "alice@example.com"})

	_, err := g.Authenticate(context.Background(), "tok1", "ws1")
	require.NoError(t, err)

	fake.SetToken(&store.Token{Token: "tok1", Email: "changed@example.com"})

	authed, err := g.Authenticate(context.Background(), "tok1", "ws1")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", authed.Email, "second lookup should hit the TTL cache")
}

func TestMintAndAuthenticateEphemeralToken(t *testing.T) {
	g, _ := newTestGate(t)
	job, err := jobid.New()
	require.NoError(t, err)

	tok, err := g.MintEphemeralToken("u/alice", job, time.Minute)
	require.NoError(t, err)

	authed, err := g.Authenticate(context.Background(), tok, "ws1")
	require.NoError(t, err)
	require.Equal(t, "u/alice", authed.Email)
}

func TestEphemeralTokenWrongKeyRejected(t *testing.T) {
	g, _ := newTestGate(t)
	other := New(store.New(storetest.New(), &profile.Profile{}), []byte("other-key"))
	defer other.Close()

	job, err := jobid.New()
	require.NoError(t, err)
	tok, err := other.MintEphemeralToken("u/alice", job, time.Minute)
	require.NoError(t, err)

	_, err = g.Authenticate(context.Background(), tok, "ws1")
	require.Error(t, err)
}
