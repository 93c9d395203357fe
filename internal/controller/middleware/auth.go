// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"buildplane/internal/auth"
	"buildplane/internal/logger"
	"buildplane/internal/store"
	"buildplane/pkg/api"
)

type userKey struct{}

// UserResolver looks up the caller behind an API key hash.
type UserResolver interface {
	GetUserByAPIKeyHash(ctx context.Context, hash string) (*store.User, error)
}

// NewContextWithUser returns a context carrying the authenticated user.
func NewContextWithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(userKey{}).(*store.User)
	return u, ok && u != nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware authenticates users by API key and scopes the request to
// the user's tenant.
func AuthMiddleware(users UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := BearerToken(r)
			if !ok {
				writeError(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			user, err := users.GetUserByAPIKeyHash(r.Context(), auth.HashKey(key))
			if errors.Is(err, store.ErrNotFound) || (err == nil && user == nil) {
				writeError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			if err != nil {
				writeError(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			ctx := NewContextWithUser(r.Context(), user)
			ctx = logger.WithTenantID(ctx, user.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
