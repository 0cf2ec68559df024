package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type tokenKey struct{}

// WithToken returns a copy of ctx carrying token.
func WithToken(ctx context.Context, token *Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// FromContext returns the token stored by the middleware, if any.
func FromContext(ctx context.Context) (*Token, bool) {
	t, ok := ctx.Value(tokenKey{}).(*Token)
	return t, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	v := strings.TrimSpace(header[len(prefix):])
	return v, v != ""
}

// HTTPMiddleware rejects requests whose bearer token is missing, invalid or
// lacks the scope returned by scopeFor. An empty scope skips the check.
func HTTPMiddleware(svc *Service, scopeFor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := scopeFor(r)
			if scope == "" {
				next.ServeHTTP(w, r)
				return
			}
			value, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cipherrag"`)
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			token, err := svc.Authorize(r.Context(), value, scope)
			if err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, ErrUnauthorized) {
					code = http.StatusForbidden
				}
				http.Error(w, `{"error":"`+err.Error()+`"}`, code)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

// UnaryServerInterceptor authorizes gRPC calls using the "authorization"
// metadata key. Methods missing from scopes are not checked.
func UnaryServerInterceptor(svc *Service, scopes map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		scope, ok := scopes[info.FullMethod]
		if !ok || scope == "" {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var value string
		if vals := md.Get("authorization"); len(vals) > 0 {
			value, _ = BearerToken(vals[0])
		}
		if value == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		token, err := svc.Authorize(ctx, value, scope)
		switch {
		case errors.Is(err, ErrUnauthorized):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case err != nil:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(WithToken(ctx, token), req)
	}
}
