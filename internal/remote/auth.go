package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims identify the space a token grants access to.
type Claims struct {
	Space  string `json:"space"`
	Device string `json:"device,omitempty"`
	gojwt.RegisteredClaims
}

// ClientAuth holds the credentials a Client presents to the relay.
type ClientAuth struct {
	// Token is an HS256 JWT minted by IssueToken. It may be empty for a relay
	// that runs without a secret, in which case SpaceName is used.
	Token     string
	SpaceName string
	Device    string
}

// Space returns the space named by the token, read without verification;
// only the relay holds the secret.
func (a *ClientAuth) Space() (string, error) {
	if a.Token == "" {
		return a.SpaceName, nil
	}
	claims := &Claims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(a.Token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	return claims.Space, nil
}

func (a *ClientAuth) header() http.Header {
	h := http.Header{}
	if a.Token != "" {
		h.Set("Authorization", "Bearer "+a.Token)
	}
	return h
}

// IssueToken mints a token for space signed with secret.
func IssueToken(secret []byte, space, device string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Space:  space,
		Device: device,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken checks the signature and expiry of token.
func VerifyToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		return secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Space == "" {
		return nil, fmt.Errorf("%w: token names no space", ErrUnauthorized)
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(v, "Bearer "); ok {
		return token
	}
	return ""
}
