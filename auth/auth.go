package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"visitorlog/httputil"
)

const maxPasswordLen = 72 // bcrypt truncates at 72 bytes

// TokenTTL is how long an admin token stays valid.
const TokenTTL = 24 * time.Hour

type contextKey string

// SubjectKey is the context key used to store the authenticated subject.
const SubjectKey contextKey = "subject"

// ExtractSubject returns the admin subject from the request context, if present.
func ExtractSubject(r *http.Request) (string, bool) {
	sub, ok := r.Context().Value(SubjectKey).(string)
	return sub, ok && sub != ""
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	if hash == "" || len(password) > maxPasswordLen {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if len(password) > maxPasswordLen {
		return "", fmt.Errorf("password must not exceed %d bytes", maxPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateToken creates a signed admin JWT for subject.
func GenerateToken(subject, secret string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":   subject,
		"admin": true,
		"exp":   now.Add(TokenTTL).Unix(),
		"iat":   now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates an admin JWT and returns its subject.
func ParseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}
	if admin, _ := claims["admin"].(bool); !admin {
		return "", errors.New("not an admin token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("missing subject")
	}
	return sub, nil
}

// Middleware requires a valid admin Bearer token and puts the subject into the context.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			sub, err := ParseToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), SubjectKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
