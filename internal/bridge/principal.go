package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jjudge-oj/usermanagement/types"
)

const cookieAudience = "usermanagement-web-cookie"

// ErrInvalidCookie is returned for cookie principals that are missing,
// tampered with or expired.
var ErrInvalidCookie = errors.New("invalid auth cookie")

type cookieClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CookieSigner mints and checks the front-end's own cookie principal. It uses
// a secret the API never sees, so a cookie principal is never accepted as an
// API credential and an API token is never accepted as a cookie principal.
type CookieSigner struct {
	secret []byte
	now    func() time.Time
}

// NewCookieSigner constructs a signer from the front-end secret.
func NewCookieSigner(secret string) (*CookieSigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("cookie secret is required")
	}
	return &CookieSigner{secret: []byte(secret), now: time.Now}, nil
}

// Mint signs p until expiresAt. Only the primary role is carried.
func (s *CookieSigner) Mint(p types.Principal, expiresAt time.Time) (string, error) {
	claims := cookieClaims{
		Name: p.DisplayName,
		Role: p.PrimaryRole(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.SubjectID,
			Audience:  jwt.ClaimStrings{cookieAudience},
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse verifies a cookie value and returns its principal.
func (s *CookieSigner) Parse(value string) (types.Principal, error) {
	if value == "" {
		return types.Principal{}, ErrInvalidCookie
	}
	claims := cookieClaims{}
	_, err := jwt.ParseWithClaims(value, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(cookieAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.Subject == "" {
		return types.Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidCookie)
	}

	p := types.Principal{SubjectID: claims.Subject, DisplayName: claims.Name}
	if claims.Role != "" {
		p.Roles = []string{claims.Role}
	}
	return p, nil
}
