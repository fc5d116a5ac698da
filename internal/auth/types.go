package auth

import (
	"sort"
	"strings"

	xerrors "AgentNexus/internal/errors"
)

// Error codes returned by the authentication subsystem.
const (
	CodeTokenMissing     xerrors.Code = "AUTH_TOKEN_MISSING"
	CodeTokenInvalid     xerrors.Code = "AUTH_TOKEN_INVALID"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeTokenMissing, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeTokenInvalid, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeTokenMissing, xerrors.Attributes{Message: "missing bearer token", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTokenInvalid, xerrors.Attributes{Message: "invalid token", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// Subject captures the caller identity passed to request handlers via context.
type Subject struct {
	UserID string   `json:"user_id"`
	Name   string   `json:"name,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	Source string   `json:"source,omitempty"`

	scopeSet map[string]struct{}
}

// normalise prepares the lookup set for scope checks.
func (s *Subject) normalise() {
	if s == nil || s.scopeSet != nil {
		return
	}
	s.scopeSet = make(map[string]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		s.scopeSet[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
	}
}

// HasScope reports whether the subject was granted the scope. The "*" scope
// grants everything.
func (s *Subject) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.scopeSet["*"]; ok {
		return true
	}
	_, ok := s.scopeSet[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

// Authorize ensures the subject holds all required scopes.
func (s *Subject) Authorize(scopes ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if !s.HasScope(scope) {
			return xerrors.New(CodePermissionDenied, "permission denied", xerrors.WithMetadata("scope", scope))
		}
	}
	return nil
}

// Clone creates a copy of the subject.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{UserID: s.UserID, Name: s.Name, Scopes: append([]string(nil), s.Scopes...), Source: s.Source}
	clone.normalise()
	return clone
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
	ModeJWT      Mode = "jwt"
)

// StaticToken maps a pre-shared bearer token to a subject.
type StaticToken struct {
	Token  string
	UserID string
	Name   string
	Scopes []string
}

// JWTOptions contains parameters for HS256 token validation and issuance.
type JWTOptions struct {
	Secret   string
	Issuer   string
	Audience string
}

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Tokens []StaticToken
	JWT    JWTOptions
}

func dedupeScopes(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
