package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/telecare-booking/internal/appointments"
)

type contextKey string

const requesterKey contextKey = "requester"

// RequesterClaims are the bearer-token claims issued by the auth provider:
// the subject is the profile id and role is patient, doctor or admin.
type RequesterClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// RequesterAuth verifies an HMAC-signed bearer token and stores the
// requester it names on the request context.
func RequesterAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeAuthError(w, "auth not configured")
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeAuthError(w, "missing authorization header")
				return
			}
			claims := &RequesterClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			}, jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				writeAuthError(w, "invalid token")
				return
			}
			requester, ok := claims.requester()
			if !ok {
				writeAuthError(w, "invalid token subject or role")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), requester)))
		})
	}
}

func (c *RequesterClaims) requester() (appointments.Requester, bool) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return appointments.Requester{}, false
	}
	role := appointments.Role(strings.ToLower(strings.TrimSpace(c.Role)))
	switch role {
	case appointments.RolePatient, appointments.RoleDoctor, appointments.RoleAdmin:
		return appointments.Requester{ID: id, Role: role}, true
	default:
		return appointments.Requester{}, false
	}
}

// RequireRole rejects requesters whose role is not listed.
func RequireRole(roles ...appointments.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requester, ok := RequesterFromContext(r.Context())
			if !ok {
				writeAuthError(w, "missing requester")
				return
			}
			for _, role := range roles {
				if requester.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden"}`))
		})
	}
}

func WithRequester(ctx context.Context, requester appointments.Requester) context.Context {
	return context.WithValue(ctx, requesterKey, requester)
}

// RequesterFromContext returns the authenticated requester if present.
func RequesterFromContext(ctx context.Context) (appointments.Requester, bool) {
	requester, ok := ctx.Value(requesterKey).(appointments.Requester)
	return requester, ok
}

// SignRequesterToken issues a token for requester; used by local tooling and tests.
func SignRequesterToken(secret string, requester appointments.Requester, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := RequesterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requester.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(requester.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
