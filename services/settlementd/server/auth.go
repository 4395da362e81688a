package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures solver and operator authentication. Solver tokens
// are HS256 JWTs whose subject is the solver id.
type AuthConfig struct {
	SolverSecret string
	Issuer       string
	AdminToken   string
	ClockSkew    time.Duration
}

type contextKey string

const contextKeySolver contextKey = "settlementd.solver"

// SolverFromContext returns the authenticated solver id.
func SolverFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeySolver).(string)
	return id, ok && id != ""
}

type authenticator struct {
	secret     []byte
	issuer     string
	adminToken []byte
	skew       time.Duration
	logger     *slog.Logger
}

func newAuthenticator(cfg AuthConfig, logger *slog.Logger) *authenticator {
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &authenticator{
		secret:     []byte(strings.TrimSpace(cfg.SolverSecret)),
		issuer:     strings.TrimSpace(cfg.Issuer),
		adminToken: []byte(strings.TrimSpace(cfg.AdminToken)),
		skew:       skew,
		logger:     logger,
	}
}

func (a *authenticator) requireSolver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		solverID, err := a.parseSolver(token)
		if err != nil {
			a.logger.Debug("settlementd/server: solver token rejected", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeySolver, solverID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *authenticator) parseSolver(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("solver secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.skew),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject required")
	}
	return subject, nil
}

func (a *authenticator) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.adminToken) == 0 {
			http.Error(w, "admin api disabled", http.StatusForbidden)
			return
		}
		token := extractBearer(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare([]byte(token), a.adminToken) != 1 {
			http.Error(w, "invalid admin token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
