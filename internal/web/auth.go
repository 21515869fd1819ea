package web

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/jjudge-oj/usermanagement/internal/bridge"
	"github.com/jjudge-oj/usermanagement/internal/session"
	"github.com/jjudge-oj/usermanagement/types"
)

// Cookie names. The session cookie carries only the opaque session id; the
// auth cookie carries the signed cookie principal.
const (
	SessionCookieName = "um_session"
	AuthCookieName    = "um_auth"
	loginPath         = "/account/login"
	accessDeniedPath  = "/account/access-denied"
)

type contextKey string

const (
	contextPrincipalKey contextKey = "principal"
	contextSessionKey   contextKey = "session"
	contextSessionIDKey contextKey = "session_id"
)

func principalFrom(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(contextPrincipalKey).(types.Principal)
	return p, ok
}

func sessionFrom(ctx context.Context) (session.Record, bool) {
	rec, ok := ctx.Value(contextSessionKey).(session.Record)
	return rec, ok
}

func sessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextSessionIDKey).(string)
	return id
}

func (h *Handler) setAuthCookies(w http.ResponseWriter, res bridge.LoginResult) {
	maxAge := int(time.Until(res.ExpiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	for _, c := range []struct{ name, value string }{
		{SessionCookieName, res.SessionID},
		{AuthCookieName, res.Cookie},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    c.value,
			Path:     "/",
			HttpOnly: true,
			Secure:   h.cookieSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   maxAge,
			Expires:  res.ExpiresAt,
		})
	}
}

func (h *Handler) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookieName, AuthCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   h.cookieSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
		})
	}
}

// identify attaches the cookie principal and its live session to the request.
// Both must be present and name the same subject; otherwise the request is
// anonymous. Stale cookies are cleared.
func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCookie, authErr := r.Cookie(AuthCookieName)
		sessionCookie, sessionErr := r.Cookie(SessionCookieName)
		if authErr != nil && sessionErr != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		if sessionErr == nil {
			ctx = context.WithValue(ctx, contextSessionIDKey, sessionCookie.Value)
		}

		if authErr == nil && sessionErr == nil {
			principal, err := h.bridge.CookiePrincipal(authCookie.Value)
			if err == nil {
				rec, err := h.bridge.Session(ctx, sessionCookie.Value)
				if err == nil && rec.SubjectID == principal.SubjectID {
					ctx = context.WithValue(ctx, contextPrincipalKey, principal)
					ctx = context.WithValue(ctx, contextSessionKey, rec)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
		}

		h.clearAuthCookies(w)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSignedIn redirects anonymous requests to the login page.
func (h *Handler) requireSignedIn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFrom(r.Context()); !ok {
			redirectToLogin(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole sends signed-in principals without role to the access-denied
// page. It must run after requireSignedIn.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFrom(r.Context())
			if !ok {
				redirectToLogin(w, r)
				return
			}
			if !p.HasRole(role) {
				http.Redirect(w, r, accessDeniedPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// redirectToLogin sends the browser to the login page, remembering the
// current page for GET requests.
func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := loginPath
	if r.Method == http.MethodGet {
		target += "?returnUrl=" + url.QueryEscape(r.URL.RequestURI())
	}
	http.Redirect(w, r, target, http.StatusFound)
}
