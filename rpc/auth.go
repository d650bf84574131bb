package rpc

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const guardianSubject = "guardian"

var errBadToken = errors.New("rpc: invalid guardian token")

// GuardianAuth validates bearer tokens on the governance surface. Tokens
// are HS256-signed with a shared secret from the daemon configuration.
type GuardianAuth struct {
	secret []byte
}

// NewGuardianAuth builds the validator. An empty secret disables the
// governance surface entirely rather than leaving it open.
func NewGuardianAuth(secret string) *GuardianAuth {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return &GuardianAuth{}
	}
	return &GuardianAuth{secret: []byte(trimmed)}
}

// IssueToken mints a guardian token. Used by operator tooling and tests.
func (a *GuardianAuth) IssueToken(ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errBadToken
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   guardianSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *GuardianAuth) verify(r *http.Request) error {
	if len(a.secret) == 0 {
		return errBadToken
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return errBadToken
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errBadToken
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return errBadToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != guardianSubject {
		return errBadToken
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *GuardianAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.verify(r); err != nil {
			writeError(w, http.StatusUnauthorized, "guardian authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
