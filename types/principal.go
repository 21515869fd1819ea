package types

import "slices"

// Principal is an authenticated identity.
type Principal struct {
	SubjectID   string   `json:"subjectId"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
}

// HasRole reports whether the principal holds the named role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// IsAdmin reports whether the principal holds the Admin role.
func (p Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

// CanActOn reports whether the principal may read or modify the resource
// owned by ownerID: either they own it or they are an administrator.
func (p Principal) CanActOn(ownerID string) bool {
	if p.SubjectID != "" && p.SubjectID == ownerID {
		return true
	}
	return p.IsAdmin()
}

// PrimaryRole returns the first role, or an empty string.
func (p Principal) PrimaryRole() string {
	if len(p.Roles) == 0 {
		return ""
	}
	return p.Roles[0]
}
