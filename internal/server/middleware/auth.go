// Package middleware provides HTTP middleware for the placement API.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ContextKey is the type for context keys.
type ContextKey string

// SubjectKey is the context key for the authenticated subject.
const SubjectKey ContextKey = "subject"

// BearerAuth validates JWT bearer tokens on mutating requests. Reads stay
// open: the solver's output is advisory and carries no secrets beyond what
// the inventory API already exposes.
type BearerAuth struct {
	secret []byte
	logger *zap.Logger
}

// NewBearerAuth creates a new bearer-token middleware.
func NewBearerAuth(secret string, logger *zap.Logger) *BearerAuth {
	return &BearerAuth{
		secret: []byte(secret),
		logger: logger.With(zap.String("middleware", "auth")),
	}
}

// Handler wraps next with token validation.
func (a *BearerAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/health" || r.URL.Path == "/healthz" || r.URL.Path == "/ready" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.unauthorized(w, "missing authorization header")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			a.unauthorized(w, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			a.logger.Debug("Token verification failed", zap.Error(err))
			a.unauthorized(w, "invalid or expired token")
			return
		}

		subject := ""
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			subject, _ = claims.GetSubject()
		}
		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *BearerAuth) unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"errors":[{"title":"Unauthorized","code":"placement.undefined_code","detail":%q}]}`, detail)
}
