package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/jjudge-oj/usermanagement/internal/token"
	"github.com/jjudge-oj/usermanagement/types"
)

// TokenIssuer mints bearer tokens for authenticated principals.
type TokenIssuer interface {
	Issue(principal types.Principal) (token.Signed, error)
}

// AuthService authenticates credentials and issues tokens.
type AuthService struct {
	repo      UserRepository
	hasher    PasswordHasher
	issuer    TokenIssuer
	dummyHash string
}

// NewAuthService constructs an AuthService. It pre-computes a throwaway hash
// so failed lookups cost the same as failed password checks.
func NewAuthService(repo UserRepository, hasher PasswordHasher, issuer TokenIssuer) (*AuthService, error) {
	if hasher == nil {
		hasher = NewBcryptHasher(0)
	}
	dummy, err := hasher.Hash("usermanagement-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &AuthService{
		repo:      repo,
		hasher:    hasher,
		issuer:    issuer,
		dummyHash: dummy,
	}, nil
}

// Authenticate verifies credentials and returns the account's principal.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (types.Principal, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return types.Principal{}, ErrInvalidCredentials
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.Verify(s.dummyHash, password)
			return types.Principal{}, ErrInvalidCredentials
		}
		return types.Principal{}, fmt.Errorf("load user: %w", err)
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		return types.Principal{}, ErrInvalidCredentials
	}
	return user.Principal(), nil
}

// IssueToken signs a token for the principal.
func (s *AuthService) IssueToken(principal types.Principal) (token.Signed, error) {
	return s.issuer.Issue(principal)
}

// Login authenticates and issues a token in one step.
func (s *AuthService) Login(ctx context.Context, email, password string) (token.Signed, error) {
	principal, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return token.Signed{}, err
	}
	return s.IssueToken(principal)
}
