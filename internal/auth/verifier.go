// Package auth turns bearer JWTs into the caller's Identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collab-realtime/internal/models"
)

var ErrNoToken = errors.New("token is empty")

// Claims are the identity-provider claims the gateway relies on.
type Claims struct {
	jwt.RegisteredClaims
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`
}

// Identity maps claims to the identity shown to other editors.
func (c *Claims) Identity() models.Identity {
	name := c.Name
	if name == "" {
		name = strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	}
	if name == "" {
		name = c.Email
	}
	return models.Identity{
		UserID:      c.Subject,
		DisplayName: name,
		Email:       c.Email,
		AvatarURL:   c.Picture,
	}
}

// Verifier validates tokens either against an issuer's JWKS (RS256) or a
// shared HMAC secret (HS256).
type Verifier struct {
	issuer string
	secret []byte
	keys   *keySet
}

// NewJWKSVerifier loads the issuer's keys and refreshes them daily until
// ctx is done.
func NewJWKSVerifier(ctx context.Context, issuerURL string) (*Verifier, error) {
	keys := newKeySet(issuerURL, &http.Client{Timeout: 10 * time.Second})
	if err := keys.refresh(ctx); err != nil {
		return nil, err
	}
	go keys.refreshLoop(ctx, jwksRefreshInterval)
	return &Verifier{issuer: issuerURL, keys: keys}, nil
}

// NewHMACVerifier accepts tokens signed with secret. An empty issuer
// disables the issuer check.
func NewHMACVerifier(secret, issuer string) *Verifier {
	return &Verifier{issuer: issuer, secret: []byte(secret)}
}

// ValidateToken parses and verifies a token, with or without a "Bearer " prefix.
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if v.keys == nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("kid not found in token header")
	}
	return v.keys.publicKey(kid)
}

// ExtractTokenFromRequest reads the token from the "token" query parameter
// (browsers cannot set headers on WebSocket upgrades) or the Authorization
// header.
func ExtractTokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
