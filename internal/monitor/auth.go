package monitor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid monitor token")

// Claims identify a monitor and the network segment it watches
type Claims struct {
	Segment string `json:"segment"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies monitor tokens
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator signing with secret
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for segment valid for ttl
func (a *Authenticator) Issue(segment string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		Segment: segment,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   segment,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign monitor token: %w", err)
	}
	return token, nil
}

// Verify checks a token, with or without the "Bearer " prefix
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Segment == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
