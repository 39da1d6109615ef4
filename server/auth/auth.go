// Package auth implements the identity gate from spec.md's Identity/auth
// gate row: turning a bearer token into an authorized identity, cached
// per (workspace, token), and minting short-lived scoped tokens for
// child jobs.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/cache"
)

// Authed is the identity a successfully authenticated request carries
// through the rest of the stack.
type Authed struct {
	Email    string
	Username string
	IsAdmin  bool
	Groups   []string
	Folders  []string
}

const cacheTTL = 5 * time.Minute

// Gate authenticates bearer tokens and mints ephemeral child-job
// tokens, backed by store.Store's token table and an in-process TTL
// cache so hot paths (one auth check per queue pull) don't round-trip
// to the database every time.
type Gate struct {
	store      *store.Store
	cache      *cache.Cache
	signingKey []byte
}

// New builds a Gate. signingKey signs ephemeral JWTs minted by
// MintEphemeralToken; it should be the same per-workspace secret the
// flow engine's resume tokens use (see flow.SignResumeToken) or a
// distinct server-wide secret, depending on deployment preference.
func New(s *store.Store, signingKey []byte) *Gate {
	return &Gate{
		store:      s,
		cache:      cache.New(cache.Config{DefaultTTL: cacheTTL}),
		signingKey: signingKey,
	}
}

// Close stops the Gate's background cache cleanup goroutine.
func (g *Gate) Close() { g.cache.Close() }

func cacheKey(workspace, token string) string { return workspace + "\x00" + token }

// Authenticate resolves token to an identity, consulting the cache
// first and falling back to the token table on a miss. A cache hit
// does not touch last_used_at; the miss path does.
func (g *Gate) Authenticate(ctx context.Context, token, workspace string) (Authed, error) {
	if strings.HasPrefix(token, "jobctl_ephemeral_") {
		return g.authenticateEphemeral(token)
	}

	if v, ok := g.cache.Get(cacheKey(workspace, token)); ok {
		return v.(Authed), nil
	}

	t, err := g.store.GetToken(ctx, token)
	if err != nil {
		return Authed{}, apierr.Wrap(err, apierr.PermissionDenied, "invalid token")
	}
	if t == nil {
		return Authed{}, apierr.New(apierr.PermissionDenied, "invalid token")
	}
	if t.Expiration != nil && t.Expiration.Before(time.Now()) {
		return Authed{}, apierr.New(apierr.PermissionDenied, "token expired")
	}

	if err := g.store.TouchToken(ctx, token); err != nil {
		return Authed{}, errors.Wrap(err, "touch token last_used_at")
	}

	authed := Authed{
		Email:    t.Email,
		Username: strings.SplitN(t.Email, "@", 2)[0],
		IsAdmin:  t.SuperAdmin,
		Groups:   filterScopes(t.Scopes, "g/"),
		Folders:  filterScopes(t.Scopes, "f/"),
	}
	g.cache.Set(cacheKey(workspace, token), authed)
	return authed, nil
}

func filterScopes(scopes []string, prefix string) []string {
	var out []string
	for _, s := range scopes {
		if strings.HasPrefix(s, prefix) {
			out = append(out, strings.TrimPrefix(s, prefix))
		}
	}
	return out
}

type ephemeralClaims struct {
	jwt.RegisteredClaims
	PermissionedAs string `json:"permissioned_as"`
	JobID          string `json:"job_id"`
}

// MintEphemeralToken issues a short-lived token scoped to permissionedAs
// for a single job's children, embedding the job id for audit.
func (g *Gate) MintEphemeralToken(permissionedAs string, job jobid.ID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ephemeralClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PermissionedAs: permissionedAs,
		JobID:          job.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "sign ephemeral token")
	}
	return "jobctl_ephemeral_" + signed, nil
}

func (g *Gate) authenticateEphemeral(token string) (Authed, error) {
	raw := strings.TrimPrefix(token, "jobctl_ephemeral_")
	claims := &ephemeralClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.signingKey, nil
	})
	if err != nil {
		return Authed{}, apierr.Wrap(err, apierr.PermissionDenied, "invalid ephemeral token")
	}
	return Authed{Email: claims.PermissionedAs, Username: claims.PermissionedAs}, nil
}
