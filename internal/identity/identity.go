package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/angeloszaimis/api-gateway/internal/reqctx"
)

const HeaderAPIKey = "X-API-Key"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Resolver implements reqctx.IdentityResolver. Invalid credentials resolve
// to an anonymous identity.
type Resolver struct {
	secret  []byte
	apiKeys map[string]string
	log     *slog.Logger
}

// NewResolver builds a resolver. apiKeys maps a key id to its key.
func NewResolver(secret string, apiKeys map[string]string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	byKey := make(map[string]string, len(apiKeys))
	for id, key := range apiKeys {
		if key != "" {
			byKey[key] = id
		}
	}
	return &Resolver{
		secret:  []byte(secret),
		apiKeys: byKey,
		log:     log,
	}
}

func (r *Resolver) Resolve(req *http.Request) reqctx.Identity {
	var id reqctx.Identity

	if token, ok := bearerToken(req); ok && len(r.secret) > 0 {
		claims, err := Parse(r.secret, token)
		if err != nil {
			r.log.DebugContext(req.Context(), "ignoring invalid bearer token", "error", err)
		} else {
			id.UserID = claims.UserID
			if id.UserID == "" {
				id.UserID = claims.Subject
			}
			id.Role = claims.Role
		}
	}

	if key := req.Header.Get(HeaderAPIKey); key != "" {
		id.APIKeyID = r.lookupKey(key)
	}

	return id
}

func (r *Resolver) lookupKey(key string) string {
	for known, id := range r.apiKeys {
		if subtle.ConstantTimeCompare([]byte(known), []byte(key)) == 1 {
			return id
		}
	}
	return ""
}

func bearerToken(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Generate issues an HS256 token. It is used by tests and operator tooling.
func Generate(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func Parse(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
