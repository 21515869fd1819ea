package bridge

import (
	"net/url"
	"strings"

	"github.com/jjudge-oj/usermanagement/types"
)

// Landing pages chosen after login when no usable return URL is given.
const (
	AdminLanding   = "/users"
	DefaultLanding = "/dashboard"
)

// IsLocalURL reports whether raw is a same-origin relative path: it starts
// with a single "/" and carries no scheme, host or backslash tricks.
func IsLocalURL(raw string) bool {
	if raw == "" || raw[0] != '/' {
		return false
	}
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return false
	}
	if strings.ContainsAny(raw, "\\\r\n\t") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && u.User == nil
}

// Destination picks the post-login redirect. A local returnURL wins;
// otherwise administrators land on the user list, users on their own
// profile and everyone else on the dashboard.
func Destination(returnURL, role, subjectID string) string {
	if IsLocalURL(returnURL) {
		return returnURL
	}
	switch role {
	case types.RoleAdmin:
		return AdminLanding
	case types.RoleUser:
		if subjectID != "" {
			return "/users/" + url.PathEscape(subjectID)
		}
	}
	return DefaultLanding
}
