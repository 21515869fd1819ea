// Package bridge turns credentials into a server-side session holding the
// API bearer token, and replays that token on later API calls.
//
// Identity fields are decoded from the token without verifying its
// signature. The token arrived directly from the API over the configured
// channel, and the web front-end does not hold the API secret. Those decoded
// fields are only used to render pages and gate front-end routes; the API
// re-verifies the token on every call.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jjudge-oj/usermanagement/internal/apiclient"
	"github.com/jjudge-oj/usermanagement/internal/metrics"
	"github.com/jjudge-oj/usermanagement/internal/session"
	"github.com/jjudge-oj/usermanagement/internal/token"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidLogin is the only failure shown for bad credentials.
	ErrInvalidLogin = errors.New("invalid login")
	// ErrNoSession means the caller has no live session.
	ErrNoSession = errors.New("no session")
	// ErrSessionExpired means the API rejected the stored token; the session
	// has been removed.
	ErrSessionExpired = errors.New("session expired")
)

// Authenticator exchanges credentials for a bearer token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (apiclient.LoginResult, error)
}

// Bridge owns the login, logout and authenticated-call flows.
type Bridge struct {
	auth     Authenticator
	sessions session.Store
	cookies  *CookieSigner
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

// New constructs a Bridge.
func New(auth Authenticator, sessions session.Store, cookies *CookieSigner, m *metrics.Metrics, logger logrus.FieldLogger) *Bridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bridge{
		auth:     auth,
		sessions: sessions,
		cookies:  cookies,
		metrics:  m,
		log:      logger,
		now:      time.Now,
	}
}

// LoginResult is what the HTTP layer needs after a successful login.
type LoginResult struct {
	SessionID string
	// Cookie is the signed cookie principal.
	Cookie    string
	Principal types.Principal
	ExpiresAt time.Time
	Redirect  string
}

// Login authenticates against the API, stores the token in a new session
// and mints the matching cookie principal.
func (b *Bridge) Login(ctx context.Context, email, password, returnURL string) (LoginResult, error) {
	res, err := b.auth.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, apiclient.ErrInvalidCredentials) {
			b.metrics.Login("failure")
			return LoginResult{}, ErrInvalidLogin
		}
		b.metrics.Login("error")
		return LoginResult{}, err
	}

	claims, err := token.ReadUnverified(res.Token)
	if err != nil {
		b.metrics.Login("error")
		return LoginResult{}, fmt.Errorf("read token claims: %w", err)
	}

	expiresAt := res.Expiration
	if expiresAt.IsZero() || (!claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(expiresAt)) {
		expiresAt = claims.ExpiresAt
	}

	principal := types.Principal{
		SubjectID:   claims.SubjectID,
		DisplayName: claims.DisplayName,
		Roles:       claims.Roles,
	}

	id, err := b.sessions.Create(ctx, session.Record{
		Token:       res.Token,
		SubjectID:   claims.SubjectID,
		DisplayName: claims.DisplayName,
		Role:        claims.Role(),
		ExpiresAt:   expiresAt,
	})
	if errors.Is(err, session.ErrExpired) {
		b.log.WithField("subject", claims.SubjectID).Warn("api issued a token that is already expired")
		b.metrics.Login("failure")
		return LoginResult{}, ErrInvalidLogin
	}
	if err != nil {
		b.metrics.Login("error")
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	cookie, err := b.cookies.Mint(principal, expiresAt)
	if err != nil {
		_ = b.sessions.Delete(ctx, id)
		b.metrics.Login("error")
		return LoginResult{}, fmt.Errorf("mint cookie principal: %w", err)
	}

	b.metrics.Login("success")
	b.metrics.SessionStarted()
	b.log.WithFields(logrus.Fields{"subject": claims.SubjectID, "role": claims.Role()}).Info("signed in")

	return LoginResult{
		SessionID: id,
		Cookie:    cookie,
		Principal: principal,
		ExpiresAt: expiresAt,
		Redirect:  Destination(returnURL, claims.Role(), claims.SubjectID),
	}, nil
}

// Logout removes the session. The caller clears both cookies.
func (b *Bridge) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if _, err := b.sessions.Get(ctx, sessionID); err == nil {
		b.metrics.SessionEnded()
	}
	return b.sessions.Delete(ctx, sessionID)
}

// Session returns the live session record.
func (b *Bridge) Session(ctx context.Context, sessionID string) (session.Record, error) {
	if sessionID == "" {
		return session.Record{}, ErrNoSession
	}
	rec, err := b.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return session.Record{}, ErrNoSession
	}
	return rec, err
}

// AuthenticatedCall runs fn with the session's bearer token. It fails fast
// with ErrNoSession when there is no session. When the API answers 401 the
// session is deleted and ErrSessionExpired returned.
func (b *Bridge) AuthenticatedCall(ctx context.Context, sessionID string, fn func(ctx context.Context, bearer string) error) error {
	rec, err := b.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Token == "" {
		return ErrNoSession
	}
	if rec.Expired(b.now()) {
		b.expire(ctx, sessionID)
		return ErrSessionExpired
	}

	b.log.WithField("has_token", rec.Token != "").Debug("calling api with session token")

	err = fn(ctx, rec.Token)
	if errors.Is(err, apiclient.ErrUnauthorized) {
		b.expire(ctx, sessionID)
		return ErrSessionExpired
	}
	return err
}

// SetFlash stores a one-shot message in the session.
func (b *Bridge) SetFlash(ctx context.Context, sessionID, message string) error {
	return b.sessions.Update(ctx, sessionID, func(rec *session.Record) error {
		rec.Flash = message
		return nil
	})
}

// TakeFlash returns and clears the session's flash message.
func (b *Bridge) TakeFlash(ctx context.Context, sessionID string) string {
	if rec, err := b.Session(ctx, sessionID); err != nil || rec.Flash == "" {
		return ""
	}
	var message string
	err := b.sessions.Update(ctx, sessionID, func(rec *session.Record) error {
		message = rec.Flash
		rec.Flash = ""
		return nil
	})
	if err != nil {
		return ""
	}
	return message
}

// CookiePrincipal verifies the cookie principal.
func (b *Bridge) CookiePrincipal(value string) (types.Principal, error) {
	return b.cookies.Parse(value)
}

func (b *Bridge) expire(ctx context.Context, sessionID string) {
	if err := b.sessions.Delete(ctx, sessionID); err != nil {
		b.log.WithError(err).Warn("failed to delete expired session")
		return
	}
	b.metrics.SessionEnded()
}
