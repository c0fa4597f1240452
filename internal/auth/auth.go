package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey int

const keyIdentity ctxKey = 0

const DefaultHeader = "X-API-Key"

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// Store is a static in-memory key store: secret -> identity.
type Store struct {
	header   string
	bySecret map[string]Identity
}

// NewStatic creates a store reading the secret from header. An empty header
// means DefaultHeader.
func NewStatic(header string, pairs map[string]Identity) *Store {
	if header == "" {
		header = DefaultHeader
	}
	m := make(map[string]Identity, len(pairs))
	for secret, id := range pairs {
		m[secret] = id
	}
	return &Store{header: header, bySecret: m}
}

func (s *Store) identityFor(secret string) (Identity, bool) {
	id, ok := s.bySecret[secret]
	return id, ok
}

// WithIdentity injects the identity into context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the identity from context (if present).
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(keyIdentity).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// Middleware attaches the identity for a known key. Requests without a key
// continue anonymously; an unknown key is rejected with 401.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(s.header))
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := s.identityFor(secret)
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
