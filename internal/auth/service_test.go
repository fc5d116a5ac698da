package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "AgentNexus/internal/errors"
)

func TestStaticTokens(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeStatic, Tokens: []StaticToken{{Token: "s3cret", UserID: "alice", Scopes: []string{"Requests:Write"}}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.UserID != "alice" || !subject.HasScope("requests:write") {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if subject.HasScope("agents:write") {
		t.Fatalf("scope should not be granted")
	}

	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestStaticModeRequiresTokens(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeStatic}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}

func TestJWTIssueAndVerify(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "k", Issuer: "nexus", Audience: "api"}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	token, err := svc.Issue(Subject{UserID: "bob", Name: "Bob", Scopes: []string{"jobs:read"}}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	subject, err := svc.AuthenticateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject.UserID != "bob" || subject.Name != "Bob" || !subject.HasScope("jobs:read") {
		t.Fatalf("unexpected subject %+v", subject)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.AuthenticateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestJWTRejectsForeignSignature(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "k"}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "mallory"}).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.AuthenticateToken(context.Background(), forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestDisabledModeIsAnonymous(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	subject, err := svc.AuthenticateToken(context.Background(), "")
	if err != nil || !subject.HasScope("anything") {
		t.Fatalf("expected anonymous wildcard subject, got %+v %v", subject, err)
	}
}

func TestMiddlewareEnforcesScopes(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeStatic, Tokens: []StaticToken{
		{Token: "reader", UserID: "r", Scopes: []string{"jobs:read"}},
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredScopes: map[string][]string{
		http.MethodGet:  {"jobs:read"},
		http.MethodPost: {"jobs:write"},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method string
		header string
		status int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "Bearer wrong", http.StatusUnauthorized},
		{http.MethodPost, "Bearer reader", http.StatusForbidden},
		{http.MethodGet, "Bearer reader", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/jobs", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %q: expected %d got %d", tc.method, tc.header, tc.status, rec.Code)
		}
	}
	if seen == nil || seen.UserID != "r" {
		t.Fatalf("expected subject in context, got %+v", seen)
	}
}

func TestMiddlewareOptionalPassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeStatic, Tokens: []StaticToken{{Token: "t", UserID: "u"}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	var status int
	handler := svc.Middleware(MiddlewareConfig{
		Optional: true,
		OnError: func(w http.ResponseWriter, _ *http.Request, code int, _ error) {
			status = code
			w.WriteHeader(code)
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) != nil {
			t.Fatalf("expected no subject without header")
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer bad")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected custom error writer to receive 401, got %d", status)
	}
}

func TestStatusFor(t *testing.T) {
	if StatusFor(ErrPermissionDenied) != http.StatusForbidden || StatusFor(ErrMissingToken) != http.StatusUnauthorized {
		t.Fatalf("unexpected status mapping")
	}
}
