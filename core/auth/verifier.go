// Package auth validates the bearer credential carried on every inbound
// message and extracts the caller's identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/citycab/dispatch/core/model"
)

// ErrInvalidToken is returned for any credential failure: missing token, bad
// signature, expired claims or a malformed identity.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified subject of a message.
type Identity struct {
	Subject string
	Role    model.Role
}

// Verifier checks HMAC-signed bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier for the given shared secret. The issuer is
// optional; when set, tokens from other issuers are rejected.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify validates the token signature and expiry and returns the embedded
// identity. The "Bearer " prefix is tolerated for clients that forward the
// HTTP header value unchanged.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrInvalidToken)
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unreadable claims", ErrInvalidToken)
	}
	if v.issuer != "" {
		if iss, _ := claims["iss"].(string); iss != v.issuer {
			return Identity{}, fmt.Errorf("%w: unknown issuer", ErrInvalidToken)
		}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := model.Role(fmt.Sprint(claims["role"]))
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims["role"])
	}
	return Identity{Subject: sub, Role: role}, nil
}

// Mint issues a signed token for the subject. Used by the dev token command
// and the test suite.
func (v *Verifier) Mint(subject string, role model.Role, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"exp":  time.Now().Add(ttl).Unix(),
		"iat":  time.Now().Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
