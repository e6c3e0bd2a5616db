/**
 * @description
 * Authentication middleware for the settlement API. User routes carry an HS256
 * bearer token whose `sub` claim is the numeric user id and whose
 * `card_verified` claim gates bidding. Internal routes are called by the listing
 * service with a shared API key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/programming-warrior/vehiclevista-sub000/internal/app"
)

type actorContextKey string

const actorKey actorContextKey = "actor"

var (
	ErrMissingToken = errors.New("authorization token required")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token payload issued by the marketplace auth service.
type Claims struct {
	CardVerified bool `json:"card_verified"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 user tokens.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses a raw token into the acting user.
func (v *TokenVerifier) Verify(raw string) (app.Actor, error) {
	if strings.TrimSpace(raw) == "" {
		return app.Actor{}, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return app.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return app.Actor{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return app.Actor{UserID: userID, CardVerified: claims.CardVerified}, nil
}

// AuthenticateRequest resolves the user of a WebSocket upgrade. Browsers cannot
// set headers on upgrades, so the token may also arrive as ?token=.
func (v *TokenVerifier) AuthenticateRequest(r *http.Request) (int64, error) {
	raw, ok := bearerToken(r)
	if !ok {
		raw = r.URL.Query().Get("token")
	}
	actor, err := v.Verify(raw)
	if err != nil {
		return 0, err
	}
	return actor.UserID, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// AuthMiddleware rejects requests without a valid bearer token and stores the
// actor in the request context.
func AuthMiddleware(verifier *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			actor, err := verifier.Verify(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext returns the authenticated caller.
func ActorFromContext(ctx context.Context) (app.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(app.Actor)
	return actor, ok
}

// InternalAuthMiddleware validates the internal API key for server-to-server
// calls. An empty key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
