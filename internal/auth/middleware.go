// Package auth resolves the client key a request is admitted under.
package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader carries a caller-chosen client key
	APIKeyHeader = "X-API-Key"

	clientContextKey contextKey = "client"
)

// Client is the identity attached to a request.
type Client struct {
	Key string
	// Source is one of "jwt", "api_key" or "ip".
	Source string
}

// ClientKeyMiddleware attaches a Client to every request. A bearer token is
// verified with jwt when jwt is non-nil and takes precedence over the
// X-API-Key header. Requests carrying neither are keyed by remote address,
// which middleware.RealIP should already have normalized.
//
// A bearer token that fails verification is rejected with 401 rather than
// falling back to a weaker identity.
func ClientKeyMiddleware(jwt *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := resolveClient(r, jwt)
			if !ok {
				writeUnauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
		})
	}
}

// RequireJWT rejects with 401 any request whose client was not identified by
// a verified bearer token. It is a no-op when jwt is nil and must run after
// ClientKeyMiddleware.
func RequireJWT(jwt *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jwt == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if client, ok := ClientFromContext(r.Context()); !ok || client.Source != "jwt" {
				writeUnauthorized(w, "token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func resolveClient(r *http.Request, jwt *JWTManager) (Client, bool) {
	if jwt != nil {
		if token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
			claims, err := jwt.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				return Client{}, false
			}
			return Client{Key: claims.Subject, Source: "jwt"}, true
		}
	}
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return Client{Key: key, Source: "api_key"}, true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return Client{Key: host, Source: "ip"}, true
}

// WithClient returns ctx carrying client.
func WithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

// ClientFromContext extracts the client from context
func ClientFromContext(ctx context.Context) (Client, bool) {
	client, ok := ctx.Value(clientContextKey).(Client)
	return client, ok
}

// ClientKeyFromContext returns the client key, or "anonymous" when none was
// attached.
func ClientKeyFromContext(ctx context.Context) string {
	if client, ok := ClientFromContext(ctx); ok && client.Key != "" {
		return client.Key
	}
	return "anonymous"
}
