// Package auth secures the admin API with a bcrypt-checked admin password
// and short-lived JWT bearer tokens.
package auth

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	jwtSecretEnv         = "JWT_SECRET"
	adminPasswordEnv     = "ADMIN_PASSWORD"
	adminPasswordHashEnv = "ADMIN_PASSWORD_HASH"

	tokenLifetime = 12 * time.Hour
)

var (
	ErrBadCredentials = errors.New("invalid credentials")
	ErrNoAdminSecret  = errors.New("no admin password configured")

	secretOnce sync.Once
	secret     []byte
)

func jwtSecret() []byte {
	secretOnce.Do(func() {
		if v := strings.TrimSpace(os.Getenv(jwtSecretEnv)); v != "" {
			secret = []byte(v)
			return
		}
		// An ephemeral secret keeps the API usable for a single run; issued
		// tokens stop working after a restart.
		secret = []byte(time.Now().Format(time.RFC3339Nano) + "-logward-ephemeral")
		log.Warn("JWT_SECRET not set, using ephemeral signing key")
	})
	return secret
}

// CheckAdminPassword validates the supplied password against the configured
// bcrypt hash, or against the plaintext fallback variable.
func CheckAdminPassword(password string) error {
	if hash := os.Getenv(adminPasswordHashEnv); hash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			return ErrBadCredentials
		}
		return nil
	}
	if plain := os.Getenv(adminPasswordEnv); plain != "" {
		// Constant-time via bcrypt is not possible here; hash the stored
		// plaintext once and compare through bcrypt instead.
		hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if err := bcrypt.CompareHashAndPassword(hashed, []byte(password)); err != nil {
			return ErrBadCredentials
		}
		return nil
	}
	return ErrNoAdminSecret
}

// IssueToken creates a signed admin token.
func IssueToken() (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

func validateToken(raw string) error {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret(), nil
	})
	if err != nil || !token.Valid {
		return ErrBadCredentials
	}
	return nil
}

// RequireAuth guards a handler with bearer-token validation.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || validateToken(strings.TrimSpace(raw)) != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
