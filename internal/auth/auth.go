// Package auth verifies the bearer tokens presented by activity clients and
// carries the resulting actor through request contexts.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	sj "github.com/brianvoe/sjwt"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claim names read from a token.
const (
	ClaimName = "name"
	ClaimRole = "role"
	claimSub  = "sub"
)

// Actor is an authenticated caller. The activity log records Identity().
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Identity is the name written into activity records.
func (a Actor) Identity() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

type Config struct {
	Secret         []byte
	AllowAnonymous bool
	AnonymousName  string
}

// Authenticator verifies HS256 tokens signed with a shared secret.
type Authenticator struct {
	secret    []byte
	anonymous bool
	anonName  string
}

func New(cfg Config) *Authenticator {
	name := strings.TrimSpace(cfg.AnonymousName)
	if name == "" {
		name = "anonymous"
	}
	return &Authenticator{secret: cfg.Secret, anonymous: cfg.AllowAnonymous, anonName: name}
}

// Issue signs a token for actor valid for ttl (no expiry when ttl <= 0).
func (a *Authenticator) Issue(actor Actor, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: no secret configured")
	}
	if actor.ID == "" && actor.Name == "" {
		return "", errors.New("auth: actor has no id or name")
	}
	claims := sj.New()
	if actor.ID != "" {
		claims.SetSubject(actor.ID)
	}
	if actor.Name != "" {
		claims.Set(ClaimName, actor.Name)
	}
	if actor.Role != "" {
		claims.Set(ClaimRole, actor.Role)
	}
	now := time.Now()
	claims.SetIssuedAt(now)
	if ttl > 0 {
		claims.SetExpiresAt(now.Add(ttl))
	}
	return claims.Generate(a.secret), nil
}

// Verify checks the signature and time claims of token and returns its
// actor. An empty token yields the anonymous actor when allowed.
func (a *Authenticator) Verify(token string) (Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		if a.anonymous {
			return Actor{Name: a.anonName}, nil
		}
		return Actor{}, ErrUnauthorized
	}
	if len(a.secret) == 0 || !sj.Verify(token, a.secret) {
		return Actor{}, ErrUnauthorized
	}
	claims, err := sj.Parse(token)
	if err != nil {
		return Actor{}, ErrUnauthorized
	}
	if err := claims.Validate(); err != nil {
		return Actor{}, errors.Join(ErrUnauthorized, err)
	}
	var actor Actor
	actor.ID, _ = claims.GetStr(claimSub)
	actor.Name, _ = claims.GetStr(ClaimName)
	actor.Role, _ = claims.GetStr(ClaimRole)
	if actor.Identity() == "" {
		return Actor{}, ErrUnauthorized
	}
	return actor, nil
}

// TokenFromRequest reads the "token" query parameter (EventSource cannot set
// headers) and falls back to "Authorization: Bearer".
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) == 2 && strings.EqualFold(fields[0], "Bearer") {
		return fields[1]
	}
	return ""
}

// FromRequest verifies the token carried by r.
func (a *Authenticator) FromRequest(r *http.Request) (Actor, error) {
	return a.Verify(TokenFromRequest(r))
}

type actorKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Middleware rejects unauthenticated requests with 401 and stores the actor
// in the request context otherwise. onReject renders the rejection.
func (a *Authenticator) Middleware(onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	if onReject == nil {
		onReject = func(w http.ResponseWriter, _ *http.Request, _ error) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := a.FromRequest(r)
			if err != nil {
				onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
