package bridge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jjudge-oj/usermanagement/internal/apiclient"
	"github.com/jjudge-oj/usermanagement/internal/server"
	"github.com/jjudge-oj/usermanagement/internal/services"
	"github.com/jjudge-oj/usermanagement/internal/session"
	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/jjudge-oj/usermanagement/internal/token"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type env struct {
	api      *httptest.Server
	client   *apiclient.Client
	bridge   *Bridge
	sessions *session.MemoryStore
	issuer   *token.Issuer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithAPIClock(t, nil)
}

// newEnvWithAPIClock runs the API with its token clock set to apiNow.
func newEnvWithAPIClock(t *testing.T, apiNow func() time.Time) *env {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := store.NewMemoryStore()
	hasher := services.NewBcryptHasher(bcrypt.MinCost)
	issuer, err := token.NewIssuer(token.Options{Secret: "api-secret", Now: apiNow})
	require.NoError(t, err)
	auth, err := services.NewAuthService(mem.Users(), hasher, issuer)
	require.NoError(t, err)

	api := httptest.NewServer(server.NewRouter(server.Deps{
		Users:    services.NewUserService(mem.Users(), mem.Roles(), services.UserServiceOptions{Hasher: hasher, Logger: logger}),
		Auth:     auth,
		Verifier: issuer,
		Logger:   logger,
	}))
	t.Cleanup(api.Close)

	client, err := apiclient.New(api.URL, 2*time.Second, nil)
	require.NoError(t, err)
	cookies, err := NewCookieSigner("web-secret")
	require.NoError(t, err)
	sessions := session.NewMemoryStore(100, time.Hour)

	return &env{
		api:      api,
		client:   client,
		bridge:   New(client, sessions, cookies, nil, logger),
		sessions: sessions,
		issuer:   issuer,
	}
}

func (e *env) register(t *testing.T, name, email string) types.User {
	t.Helper()
	user, err := e.client.Register(context.Background(), "", apiclient.RegisterRequest{
		FullName: name, Email: email, Password: "secret1", Role: "User",
	})
	require.NoError(t, err)
	return user
}

func TestEndToEndOwnProfileOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.register(t, "A", "a@x.com")
	other := e.register(t, "B", "b@x.com")

	res, err := e.bridge.Login(ctx, "a@x.com", "secret1", "")
	require.NoError(t, err)
	assert.Equal(t, "/users/"+a.ID, res.Redirect)
	assert.Equal(t, a.ID, res.Principal.SubjectID)
	assert.Equal(t, "A", res.Principal.DisplayName)
	assert.Equal(t, []string{"User"}, res.Principal.Roles)

	rec, err := e.bridge.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "User", rec.Role)
	assert.Equal(t, a.ID, rec.SubjectID)
	assert.Equal(t, "A", rec.DisplayName)

	claims, err := token.ReadUnverified(rec.Token)
	require.NoError(t, err)
	assert.Equal(t, "User", claims.Role())

	err = e.bridge.AuthenticatedCall(ctx, res.SessionID, func(ctx context.Context, bearer string) error {
		u, err := e.client.GetUser(ctx, bearer, a.ID)
		if err == nil {
			assert.Equal(t, "a@x.com", u.Email)
		}
		return err
	})
	require.NoError(t, err)

	err = e.bridge.AuthenticatedCall(ctx, res.SessionID, func(ctx context.Context, bearer string) error {
		_, err := e.client.GetUser(ctx, bearer, other.ID)
		return err
	})
	assert.True(t, apiclient.IsStatus(err, http.StatusForbidden))

	cookie, err := e.bridge.CookiePrincipal(res.Cookie)
	require.NoError(t, err)
	assert.Equal(t, a.ID, cookie.SubjectID)
	assert.Equal(t, "User", cookie.PrimaryRole())
}

func TestLoginFailureIsGeneric(t *testing.T) {
	e := newEnv(t)
	e.register(t, "A", "a@x.com")

	_, err := e.bridge.Login(context.Background(), "a@x.com", "wrong", "")
	assert.ErrorIs(t, err, ErrInvalidLogin)
	_, err = e.bridge.Login(context.Background(), "nobody@x.com", "secret1", "")
	assert.ErrorIs(t, err, ErrInvalidLogin)
	assert.Equal(t, 0, e.sessions.Len())
}

func TestLoginIgnoresOffOriginReturnURL(t *testing.T) {
	e := newEnv(t)
	a := e.register(t, "A", "a@x.com")

	res, err := e.bridge.Login(context.Background(), "a@x.com", "secret1", "https://evil.example/phish")
	require.NoError(t, err)
	assert.Equal(t, "/users/"+a.ID, res.Redirect)

	res, err = e.bridge.Login(context.Background(), "a@x.com", "secret1", "/dashboard?x=1")
	require.NoError(t, err)
	assert.Equal(t, "/dashboard?x=1", res.Redirect)
}

func TestLogoutEndsSession(t *testing.T) {
	e := newEnv(t)
	e.register(t, "A", "a@x.com")
	ctx := context.Background()

	res, err := e.bridge.Login(ctx, "a@x.com", "secret1", "")
	require.NoError(t, err)
	require.NoError(t, e.bridge.Logout(ctx, res.SessionID))

	called := false
	err = e.bridge.AuthenticatedCall(ctx, res.SessionID, func(context.Context, string) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.False(t, called)

	assert.ErrorIs(t, e.bridge.AuthenticatedCall(ctx, "", func(context.Context, string) error { return nil }), ErrNoSession)
	assert.NoError(t, e.bridge.Logout(ctx, ""))
}

func TestUnauthorizedResponseExpiresSession(t *testing.T) {
	e := newEnv(t)
	e.register(t, "A", "a@x.com")
	ctx := context.Background()

	res, err := e.bridge.Login(ctx, "a@x.com", "secret1", "")
	require.NoError(t, err)

	err = e.bridge.AuthenticatedCall(ctx, res.SessionID, func(ctx context.Context, bearer string) error {
		_, err := e.client.GetUser(ctx, bearer+"tampered", "x")
		return err
	})
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = e.bridge.Session(ctx, res.SessionID)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLocallyExpiredSessionSkipsAPI(t *testing.T) {
	e := newEnv(t)
	e.register(t, "A", "a@x.com")
	ctx := context.Background()

	res, err := e.bridge.Login(ctx, "a@x.com", "secret1", "")
	require.NoError(t, err)

	e.bridge.now = func() time.Time { return res.ExpiresAt.Add(time.Second) }
	called := false
	err = e.bridge.AuthenticatedCall(ctx, res.SessionID, func(context.Context, string) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, called)

	e.bridge.now = time.Now
	_, err = e.bridge.Session(ctx, res.SessionID)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLoginWithAlreadyExpiredTokenFails(t *testing.T) {
	e := newEnvWithAPIClock(t, func() time.Time { return time.Now().Add(-2 * time.Hour) })
	e.register(t, "A", "a@x.com")

	_, err := e.bridge.Login(context.Background(), "a@x.com", "secret1", "")
	assert.ErrorIs(t, err, ErrInvalidLogin)
	assert.Equal(t, 0, e.sessions.Len())
}

func TestUpstreamDown(t *testing.T) {
	e := newEnv(t)
	e.api.Close()

	_, err := e.bridge.Login(context.Background(), "a@x.com", "secret1", "")
	assert.ErrorIs(t, err, apiclient.ErrUpstreamUnavailable)
}

func TestAdminLandsOnUserList(t *testing.T) {
	e := newEnv(t)
	root, err := e.issuer.Issue(types.Principal{SubjectID: "root", Roles: []string{"Admin"}})
	require.NoError(t, err)
	_, err = e.client.Register(context.Background(), root.Token, apiclient.RegisterRequest{
		FullName: "Ann", Email: "ann@x.com", Password: "secret1", Role: "Admin",
	})
	require.NoError(t, err)

	res, err := e.bridge.Login(context.Background(), "ann@x.com", "secret1", "")
	require.NoError(t, err)
	assert.Equal(t, "/users", res.Redirect)
}

func TestFlash(t *testing.T) {
	e := newEnv(t)
	e.register(t, "A", "a@x.com")
	ctx := context.Background()
	res, err := e.bridge.Login(ctx, "a@x.com", "secret1", "")
	require.NoError(t, err)

	assert.Equal(t, "", e.bridge.TakeFlash(ctx, res.SessionID))
	require.NoError(t, e.bridge.SetFlash(ctx, res.SessionID, "User deleted successfully."))
	assert.Equal(t, "User deleted successfully.", e.bridge.TakeFlash(ctx, res.SessionID))
	assert.Equal(t, "", e.bridge.TakeFlash(ctx, res.SessionID))
}

func TestCookieSigner(t *testing.T) {
	signer, err := NewCookieSigner("web-secret")
	require.NoError(t, err)
	now := time.Now()
	signer.now = func() time.Time { return now }

	p := types.Principal{SubjectID: "u1", DisplayName: "Ada", Roles: []string{"User", "Guest"}}
	value, err := signer.Mint(p, now.Add(time.Hour))
	require.NoError(t, err)

	got, err := signer.Parse(value)
	require.NoError(t, err)
	assert.Equal(t, types.Principal{SubjectID: "u1", DisplayName: "Ada", Roles: []string{"User"}}, got)

	other, err := NewCookieSigner("another-secret")
	require.NoError(t, err)
	_, err = other.Parse(value)
	assert.ErrorIs(t, err, ErrInvalidCookie)

	now = now.Add(2 * time.Hour)
	_, err = signer.Parse(value)
	assert.ErrorIs(t, err, ErrInvalidCookie)

	_, err = signer.Parse("")
	assert.ErrorIs(t, err, ErrInvalidCookie)

	_, err = NewCookieSigner(" ")
	assert.Error(t, err)
}

func TestAPITokenIsNotACookiePrincipal(t *testing.T) {
	e := newEnv(t)
	e.register(t, "A", "a@x.com")
	res, err := e.bridge.Login(context.Background(), "a@x.com", "secret1", "")
	require.NoError(t, err)
	rec, err := e.bridge.Session(context.Background(), res.SessionID)
	require.NoError(t, err)

	_, err = e.bridge.CookiePrincipal(rec.Token)
	assert.ErrorIs(t, err, ErrInvalidCookie)
}
