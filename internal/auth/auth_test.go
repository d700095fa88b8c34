package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	a := New(Config{Secret: []byte("k")})
	tok, err := a.Issue(Actor{ID: "u1", Name: "alice", Role: "ops"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.ID != "u1" || got.Name != "alice" || got.Role != "ops" || got.Identity() != "alice" {
		t.Fatalf("actor = %+v", got)
	}
}

func TestVerifyRejects(t *testing.T) {
	a := New(Config{Secret: []byte("k")})
	other := New(Config{Secret: []byte("other")})
	foreign, _ := other.Issue(Actor{Name: "mallory"}, time.Hour)
	noExpiry, _ := a.Issue(Actor{Name: "bob"}, -time.Hour)
	expiredNow, _ := a.Issue(Actor{Name: "bob"}, time.Nanosecond)
	time.Sleep(1100 * time.Millisecond)

	for name, tok := range map[string]string{
		"empty":   "",
		"garbage": "not.a.jwt",
		"foreign": foreign,
		"expired": expiredNow,
	} {
		if _, err := a.Verify(tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: Verify = %v, want ErrUnauthorized", name, err)
		}
	}
	// A non-positive ttl means no expiry.
	if _, err := a.Verify(noExpiry); err != nil {
		t.Errorf("no-expiry token rejected: %v", err)
	}
}

func TestAnonymous(t *testing.T) {
	a := New(Config{AllowAnonymous: true, AnonymousName: "guest"})
	got, err := a.Verify("")
	if err != nil || got.Identity() != "guest" {
		t.Fatalf("Verify(\"\") = %+v, %v", got, err)
	}
	if _, err := a.Verify("x.y.z"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad token accepted without secret: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/event/reports?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/event/reports", nil)
	r.Header.Set("Authorization", "bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	a := New(Config{Secret: []byte("k")})
	h := a.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := FromContext(r.Context())
		if !ok {
			t.Error("actor missing from context")
		}
		_, _ = w.Write([]byte(actor.Identity()))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	tok, _ := a.Issue(Actor{ID: "u2"}, time.Minute)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?token="+tok, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "u2" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}
