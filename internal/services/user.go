package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jjudge-oj/usermanagement/internal/storage"
	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/sirupsen/logrus"
)

const (
	minPasswordLength = 6
	maxFullNameLength = 200
	// MaxAvatarBytes bounds the size of an uploaded profile picture.
	MaxAvatarBytes = 5 << 20
)

var avatarExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var avatarKeyPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.(png|jpg|jpeg|gif|webp)$`)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	List(ctx context.Context) ([]types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	// Update fails with store.ErrStale when user.UpdatedAt no longer
	// matches the stored record.
	Update(ctx context.Context, user types.User) (types.User, error)
	SetAvatar(ctx context.Context, id, key, picturePath string) (previousKey string, err error)
	Delete(ctx context.Context, id string) error
}

// RoleRepository defines read access to the role catalogue.
type RoleRepository interface {
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// AvatarStorage stores profile pictures.
type AvatarStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// RegisterInput is the payload of a registration.
type RegisterInput struct {
	FullName string
	Email    string
	Password string
	Role     string
}

// UpdateInput is the payload of a profile update.
type UpdateInput struct {
	FullName string
	Email    string
	Role     string
}

// AvatarUpload is an uploaded profile picture.
type AvatarUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UserServiceOptions wires optional collaborators of a UserService.
type UserServiceOptions struct {
	Hasher        PasswordHasher
	Storage       AvatarStorage
	Events        EventPublisher
	EventsChannel string
	Logger        logrus.FieldLogger
}

// UserService encapsulates account use-cases.
type UserService struct {
	repo    UserRepository
	roles   RoleRepository
	hasher  PasswordHasher
	storage AvatarStorage
	events  eventSink
	log     logrus.FieldLogger
}

func NewUserService(repo UserRepository, roles RoleRepository, opts UserServiceOptions) *UserService {
	hasher := opts.Hasher
	if hasher == nil {
		hasher = NewBcryptHasher(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UserService{
		repo:    repo,
		roles:   roles,
		hasher:  hasher,
		storage: opts.Storage,
		events:  eventSink{publisher: opts.Events, channel: opts.EventsChannel, log: logger},
		log:     logger,
	}
}

// Register validates and creates an account. Creating an Admin account
// requires an Admin caller; caller may be nil for anonymous registration.
func (s *UserService) Register(ctx context.Context, caller *types.Principal, in RegisterInput) (types.User, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = NormalizeEmail(in.Email)
	in.Role = strings.TrimSpace(in.Role)
	if in.Role == "" {
		in.Role = types.RoleUser
	}

	verr := &ValidationError{}
	validateFullName(verr, in.FullName)
	validateEmail(verr, in.Email)
	if len(in.Password) < minPasswordLength {
		verr.add("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	if err := s.validateRole(ctx, verr, in.Role); err != nil {
		return types.User{}, err
	}
	if err := verr.orNil(); err != nil {
		return types.User{}, err
	}

	if in.Role == types.RoleAdmin && (caller == nil || !caller.IsAdmin()) {
		return types.User{}, ErrForbidden
	}

	if _, err := s.repo.GetByEmail(ctx, in.Email); err == nil {
		return types.User{}, fieldError("email", "is already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.User{}, fmt.Errorf("check email: %w", err)
	}

	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		return types.User{}, err
	}

	user, err := s.repo.Create(ctx, types.User{
		FullName:     in.FullName,
		Email:        in.Email,
		PasswordHash: hashed,
		Roles:        []string{in.Role},
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.User{}, fieldError("email", "is already registered")
		}
		return types.User{}, fmt.Errorf("create user: %w", err)
	}

	s.events.emit(ctx, EventUserRegistered, user.ID, user.Email)
	return user, nil
}

// systemPrincipal acts for operator commands run outside any HTTP request.
var systemPrincipal = types.Principal{SubjectID: "system", DisplayName: "system", Roles: []string{types.RoleAdmin}}

// EnsureAdmin creates an administrator account, or promotes the existing
// account with the same email. created reports which happened.
func (s *UserService) EnsureAdmin(ctx context.Context, in RegisterInput) (user types.User, created bool, err error) {
	in.Role = types.RoleAdmin
	existing, err := s.repo.GetByEmail(ctx, NormalizeEmail(in.Email))
	switch {
	case errors.Is(err, store.ErrNotFound):
		user, err = s.Register(ctx, &systemPrincipal, in)
		return user, err == nil, err
	case err != nil:
		return types.User{}, false, fmt.Errorf("load user: %w", err)
	}

	if existing.HasRole(types.RoleAdmin) {
		return existing, false, nil
	}
	user, err = s.Update(ctx, systemPrincipal, existing.ID, UpdateInput{
		FullName: existing.FullName,
		Email:    existing.Email,
		Role:     types.RoleAdmin,
	})
	return user, false, err
}

// List returns every account.
func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	return s.repo.List(ctx)
}

// GetByID loads an account without authorization checks.
func (s *UserService) GetByID(ctx context.Context, id string) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

// Get loads an account the caller is allowed to see. Authorization is checked
// before existence so non-admins cannot discover other ids.
func (s *UserService) Get(ctx context.Context, caller types.Principal, id string) (types.User, error) {
	if !caller.CanActOn(id) {
		return types.User{}, ErrForbidden
	}
	return s.repo.GetByID(ctx, id)
}

// Update changes name, email and role. Only administrators may change roles.
func (s *UserService) Update(ctx context.Context, caller types.Principal, id string, in UpdateInput) (types.User, error) {
	if !caller.CanActOn(id) {
		return types.User{}, ErrForbidden
	}

	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = NormalizeEmail(in.Email)
	in.Role = strings.TrimSpace(in.Role)

	verr := &ValidationError{}
	validateFullName(verr, in.FullName)
	validateEmail(verr, in.Email)
	if in.Role != "" {
		if err := s.validateRole(ctx, verr, in.Role); err != nil {
			return types.User{}, err
		}
	}
	if err := verr.orNil(); err != nil {
		return types.User{}, err
	}

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}

	if in.Role != "" && !(len(user.Roles) == 1 && user.Roles[0] == in.Role) {
		if !caller.IsAdmin() {
			return types.User{}, ErrForbidden
		}
		user.Roles = []string{in.Role}
	}
	user.FullName = in.FullName
	user.Email = in.Email

	updated, err := s.repo.Update(ctx, user)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return types.User{}, fieldError("email", "is already registered")
		case errors.Is(err, store.ErrStale):
			return types.User{}, ErrConcurrentUpdate
		}
		return types.User{}, err
	}

	s.events.emit(ctx, EventUserUpdated, updated.ID, updated.Email)
	return updated, nil
}

// Delete removes an account and its avatar. Administrators cannot delete
// their own account.
func (s *UserService) Delete(ctx context.Context, caller types.Principal, id string) error {
	if !caller.IsAdmin() {
		return ErrForbidden
	}
	if caller.SubjectID == id {
		return fieldError("id", "you cannot delete your own account")
	}

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.removeAvatar(ctx, user.AvatarKey)
	s.events.emit(ctx, EventUserDeleted, user.ID, user.Email)
	return nil
}

// SetAvatar stores a new profile picture and records its public URL, built
// from baseURL. A previous picture is removed.
func (s *UserService) SetAvatar(ctx context.Context, caller types.Principal, id string, upload AvatarUpload, baseURL string) (types.User, error) {
	if !caller.CanActOn(id) {
		return types.User{}, ErrForbidden
	}
	if s.storage == nil {
		return types.User{}, errors.New("avatar storage is not configured")
	}
	if upload.Body == nil || upload.Size <= 0 {
		return types.User{}, fieldError("file", "no file uploaded")
	}
	if upload.Size > MaxAvatarBytes {
		return types.User{}, fieldError("file", "file is too large")
	}
	ext := strings.ToLower(path.Ext(upload.Filename))
	contentType, ok := avatarExtensions[ext]
	if !ok {
		return types.User{}, fieldError("file", "unsupported image type")
	}

	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return types.User{}, err
	}

	key := uuid.NewString() + ext
	if err := s.storage.Put(ctx, key, upload.Body, upload.Size, contentType); err != nil {
		return types.User{}, fmt.Errorf("store avatar: %w", err)
	}

	picturePath := strings.TrimRight(baseURL, "/") + "/uploads/" + key
	previous, err := s.repo.SetAvatar(ctx, id, key, picturePath)
	if err != nil {
		s.removeAvatar(ctx, key)
		return types.User{}, err
	}
	s.removeAvatar(ctx, previous)

	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}
	s.events.emit(ctx, EventUserAvatarUploaded, updated.ID, updated.Email)
	return updated, nil
}

// OpenAvatar streams a stored profile picture.
func (s *UserService) OpenAvatar(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if s.storage == nil || !avatarKeyPattern.MatchString(key) {
		return nil, "", store.ErrNotFound
	}
	body, err := s.storage.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", store.ErrNotFound
		}
		return nil, "", err
	}
	return body, avatarExtensions[path.Ext(key)], nil
}

func (s *UserService) removeAvatar(ctx context.Context, key string) {
	if key == "" || s.storage == nil {
		return
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("failed to delete avatar")
	}
}

func (s *UserService) validateRole(ctx context.Context, verr *ValidationError, role string) error {
	exists, err := s.roles.Exists(ctx, role)
	if err != nil {
		return fmt.Errorf("check role: %w", err)
	}
	if !exists {
		verr.add("role", "unknown role")
	}
	return nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateFullName(verr *ValidationError, name string) {
	switch {
	case name == "":
		verr.add("fullName", "is required")
	case len(name) > maxFullNameLength:
		verr.add("fullName", "is too long")
	}
}

func validateEmail(verr *ValidationError, email string) {
	if email == "" {
		verr.add("email", "is required")
		return
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		verr.add("email", "is not a valid email address")
	}
}
