package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Unverified is a claims view decoded WITHOUT checking the signature.
//
// It exists so the web front-end can read identity fields out of a token it
// just received from the API over a trusted channel. It must never be used to
// make an authorization decision on the API side, and there is deliberately
// no way to turn it into a Verified value.
type Unverified struct {
	SubjectID   string
	DisplayName string
	Roles       []string
	ID          string
	ExpiresAt   time.Time
}

// Role returns the first role claim, or an empty string.
func (u Unverified) Role() string {
	if len(u.Roles) == 0 {
		return ""
	}
	return u.Roles[0]
}

// ReadUnverified decodes the claims of a compact JWT without validating it.
func ReadUnverified(tokenString string) (Unverified, error) {
	claims := Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return Unverified{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Unverified{}, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}

	u := Unverified{
		SubjectID:   claims.Subject,
		DisplayName: claims.Name,
		Roles:       claims.Roles,
		ID:          claims.ID,
	}
	if claims.ExpiresAt != nil {
		u.ExpiresAt = claims.ExpiresAt.Time
	}
	return u, nil
}
