package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the bearer-token principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
	// KeyIdentityKey is the context key for a verified API key identity.
	KeyIdentityKey contextKeyAuth = "key_identity"
)

// Authenticate validates the Bearer token of management requests and puts
// the principal on the request context. Missing or invalid tokens get 401.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.")
				return
			}

			p, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin enforces an admin principal. It must run after Authenticate.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil || !p.Admin {
				writeAuthError(w, http.StatusForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal returns the bearer-token principal, or nil.
func GetPrincipal(ctx context.Context) *service.Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*service.Principal); ok {
		return p
	}
	return nil
}

// KeyIdentity is the caller identity established by RequireAPIKey.
type KeyIdentity struct {
	KeyID   string
	OwnerID string
	Scopes  []string
}

// HasScope reports whether the key carries scope.
func (k *KeyIdentity) HasScope(scope string) bool {
	return k != nil && slices.Contains(k.Scopes, scope)
}

// Verifier is the verification pipeline.
type Verifier interface {
	Verify(ctx context.Context, raw string, info service.RequestInfo) (service.Verdict, error)
}

// RequireAPIKey guards a downstream API with key verification. Rejected keys
// get a generic 401; an unavailable dependency gets 503 so clients retry
// instead of discarding a good key.
func RequireAPIKey(v Verifier, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verdict, err := v.Verify(r.Context(), r.Header.Get(header), RequestInfoFrom(r))
			if err != nil {
				writeAuthError(w, http.StatusServiceUnavailable, "Key verification unavailable")
				return
			}
			if !verdict.Valid {
				writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			id := &KeyIdentity{KeyID: verdict.KeyID, OwnerID: verdict.OwnerID, Scopes: verdict.Scopes}
			ctx := context.WithValue(r.Context(), KeyIdentityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects keys without scope. It must run after RequireAPIKey.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !GetKeyIdentity(r.Context()).HasScope(scope) {
				writeAuthError(w, http.StatusForbidden, "Missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetKeyIdentity returns the verified key identity, or nil.
func GetKeyIdentity(ctx context.Context) *KeyIdentity {
	if id, ok := ctx.Value(KeyIdentityKey).(*KeyIdentity); ok {
		return id
	}
	return nil
}

// RequestInfoFrom describes r for the verification pipeline.
func RequestInfoFrom(r *http.Request) service.RequestInfo {
	size := r.ContentLength
	if size < 0 {
		size = 0
	}
	return service.RequestInfo{
		Method:      r.Method,
		Endpoint:    r.URL.Path,
		ClientIP:    ClientIP(r),
		RequestSize: size,
		IsHTTPS:     IsHTTPS(r),
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoded here to avoid an import cycle with the handler package.
	_ = json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
