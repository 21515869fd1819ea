package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jjudge-oj/usermanagement/types"
)

// DefaultTTL is the fixed validity window of an issued token.
const DefaultTTL = time.Hour

var (
	// ErrInvalidToken is returned when a token fails signature, algorithm,
	// issuer, audience or expiry checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMalformedToken is returned when claims cannot be decoded at all.
	ErrMalformedToken = errors.New("malformed token")
)

// Claims is the JWT payload shared by issuer and readers.
type Claims struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Signed is a freshly issued bearer token.
type Signed struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Verified holds claims whose signature and expiry were checked by the Issuer.
type Verified struct {
	Principal types.Principal
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Options configures an Issuer.
type Options struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Issuer mints and verifies HS256 tokens. Tokens are stateless and cannot be
// revoked before they expire.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer constructs an Issuer with the provided options.
func NewIssuer(opts Options) (*Issuer, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      ttl,
		now:      now,
	}, nil
}

// TTL returns the validity window applied to new tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for the principal.
func (i *Issuer) Issue(principal types.Principal) (Signed, error) {
	if strings.TrimSpace(principal.SubjectID) == "" {
		return Signed{}, errors.New("principal subject is required")
	}

	issuedAt := i.now()
	now := issuedAt.Truncate(time.Second)
	// exp has second resolution; rounding up keeps the full ttl valid.
	expiresAt := ceilSecond(issuedAt.Add(i.ttl))
	id := uuid.NewString()

	claims := Claims{
		Name:  principal.DisplayName,
		Roles: principal.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.SubjectID,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if i.issuer != "" {
		claims.Issuer = i.issuer
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return Signed{}, fmt.Errorf("sign token: %w", err)
	}
	return Signed{Token: signed, ID: id, ExpiresAt: expiresAt}, nil
}

// Verify checks the token signature, algorithm, expiry and, when configured,
// issuer and audience.
func (i *Issuer) Verify(tokenString string) (Verified, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	if i.audience != "" {
		opts = append(opts, jwt.WithAudience(i.audience))
	}

	claims := Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return i.secret, nil
	}, opts...)
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Verified{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Verified{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	verified := Verified{
		Principal: types.Principal{
			SubjectID:   claims.Subject,
			DisplayName: claims.Name,
			Roles:       claims.Roles,
		},
		ID: claims.ID,
	}
	if claims.IssuedAt != nil {
		verified.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		verified.ExpiresAt = claims.ExpiresAt.Time
	}
	return verified, nil
}

func ceilSecond(t time.Time) time.Time {
	floor := t.Truncate(time.Second)
	if floor.Equal(t) {
		return t
	}
	return floor.Add(time.Second)
}
