package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	callerContextKey contextKey = "caller"
)

// Caller represents the authenticated signing-service caller from JWT claims
type Caller struct {
	Subject  types.ID `json:"sub"`
	TenantID types.ID `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Claims extends JWT claims with tenant data
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Middleware creates JWT authentication middleware. Every API caller acts
// on behalf of exactly one tenant; the tenant ID claim is mandatory.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(token *jwt.Token) (interface{}, error) {
				// For development, use symmetric key
				// In production, use the identity provider's public key
				return []byte(cfg.JWTSecret), nil
			})

			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			if claims.TenantID == "" {
				writeError(w, http.StatusUnauthorized, "token carries no tenant")
				return
			}

			caller := &Caller{
				Subject:  types.ID(claims.Subject),
				TenantID: types.ID(claims.TenantID),
				Roles:    claims.Roles,
			}

			ctx := context.WithValue(r.Context(), callerContextKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller extracts the caller from request context
func GetCaller(ctx context.Context) *Caller {
	caller, ok := ctx.Value(callerContextKey).(*Caller)
	if !ok {
		return nil
	}
	return caller
}

// TenantID extracts the caller's tenant from request context; empty when
// the request is unauthenticated (development mode).
func TenantID(ctx context.Context) types.ID {
	if caller := GetCaller(ctx); caller != nil {
		return caller.TenantID
	}
	return ""
}

// RequireRoles creates middleware that requires specific roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := GetCaller(r.Context())
			if caller == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			for _, required := range roles {
				for _, have := range caller.Roles {
					if have == required {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			writeError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
