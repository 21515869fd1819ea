package types

import (
	"slices"
	"time"
)

// Role names seeded into the roles table.
const (
	RoleAdmin = "Admin"
	RoleUser  = "User"
	RoleGuest = "Guest"
)

// User represents an account in the system.
// It contains identity, role, and audit metadata.
type User struct {
	// ID is the unique identifier of the user (a UUID string).
	ID string `json:"id" db:"id"`

	// FullName is the user's display name.
	FullName string `json:"fullName" db:"full_name"`

	// Email is the user's email address and login name.
	Email string `json:"email" db:"email"`

	// ProfilePicturePath is the absolute URL of the uploaded avatar, if any.
	ProfilePicturePath string `json:"profilePicturePath,omitempty" db:"profile_picture_path"`

	// Roles lists the roles granted to the user (e.g., "Admin", "User").
	Roles []string `json:"roles"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// AvatarKey is the object storage key backing ProfilePicturePath.
	AvatarKey string `json:"-" db:"avatar_key"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// HasRole reports whether the user holds the named role.
func (u User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// Principal converts the account into the identity carried by tokens.
func (u User) Principal() Principal {
	return Principal{
		SubjectID:   u.ID,
		DisplayName: u.FullName,
		Roles:       slices.Clone(u.Roles),
	}
}
