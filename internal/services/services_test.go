package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/jjudge-oj/usermanagement/internal/storage"
	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/jjudge-oj/usermanagement/internal/token"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []UserEvent
	fail   bool
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if p.fail {
		return "", errors.New("broker down")
	}
	var ev UserEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return "1", nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	users  *UserService
	auth   *AuthService
	issuer *token.Issuer
	events *recordingPublisher
	files  *storage.Storage
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	mem := store.NewMemoryStore()
	hasher := NewBcryptHasher(bcrypt.MinCost)
	events := &recordingPublisher{}

	local, err := storage.NewLocalClient(t.TempDir())
	require.NoError(t, err)
	files := storage.NewStorage(local)

	users := NewUserService(mem.Users(), mem.Roles(), UserServiceOptions{
		Hasher:        hasher,
		Storage:       files,
		Events:        events,
		EventsChannel: "user-events",
	})

	issuer, err := token.NewIssuer(token.Options{Secret: "test-secret"})
	require.NoError(t, err)
	auth, err := NewAuthService(mem.Users(), hasher, issuer)
	require.NoError(t, err)

	return fixture{users: users, auth: auth, issuer: issuer, events: events, files: files}
}

func (f fixture) register(t *testing.T, caller *types.Principal, name, email, role string) types.User {
	t.Helper()
	user, err := f.users.Register(context.Background(), caller, RegisterInput{
		FullName: name,
		Email:    email,
		Password: "secret123",
		Role:     role,
	})
	require.NoError(t, err)
	return user
}

func adminPrincipal(id string) types.Principal {
	return types.Principal{SubjectID: id, DisplayName: "Root", Roles: []string{types.RoleAdmin}}
}

func TestRegisterDefaultsToUserRole(t *testing.T) {
	f := newFixture(t)

	user := f.register(t, nil, "  Ada Lovelace ", " Ada@Example.com ", "")
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "Ada Lovelace", user.FullName)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, []string{types.RoleUser}, user.Roles)
	assert.NotEqual(t, "secret123", user.PasswordHash)
	assert.Equal(t, []string{EventUserRegistered}, f.events.types())
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Register(ctx, nil, RegisterInput{Email: "not-an-email", Password: "123", Role: "Wizard"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "fullName")
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "password")
	assert.Contains(t, verr.Fields, "role")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, nil, "Ada", "ada@example.com", "")

	_, err := f.users.Register(context.Background(), nil, RegisterInput{
		FullName: "Other Ada",
		Email:    "ADA@example.com",
		Password: "secret123",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "is already registered", verr.Fields["email"])
}

func TestRegisterAdminRequiresAdminCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := RegisterInput{FullName: "Eve", Email: "eve@example.com", Password: "secret123", Role: types.RoleAdmin}

	_, err := f.users.Register(ctx, nil, in)
	assert.ErrorIs(t, err, ErrForbidden)

	user := types.Principal{SubjectID: "u1", Roles: []string{types.RoleUser}}
	_, err = f.users.Register(ctx, &user, in)
	assert.ErrorIs(t, err, ErrForbidden)

	admin := adminPrincipal("a1")
	created, err := f.users.Register(ctx, &admin, in)
	require.NoError(t, err)
	assert.Equal(t, []string{types.RoleAdmin}, created.Roles)
}

func TestGetChecksOwnershipBeforeExistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, nil, "Alice", "alice@example.com", "")
	bob := f.register(t, nil, "Bob", "bob@example.com", "")

	got, err := f.users.Get(ctx, alice.Principal(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.Email, got.Email)

	_, err = f.users.Get(ctx, alice.Principal(), bob.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.users.Get(ctx, alice.Principal(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.users.Get(ctx, adminPrincipal("root"), bob.ID)
	require.NoError(t, err)

	_, err = f.users.Get(ctx, adminPrincipal("root"), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateRoleChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, nil, "Alice", "alice@example.com", "")

	_, err := f.users.Update(ctx, alice.Principal(), alice.ID, UpdateInput{
		FullName: "Alice",
		Email:    "alice@example.com",
		Role:     types.RoleAdmin,
	})
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := f.users.Update(ctx, alice.Principal(), alice.ID, UpdateInput{
		FullName: "Alice Liddell",
		Email:    "alice@wonderland.example",
		Role:     types.RoleUser,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", updated.FullName)
	assert.Equal(t, []string{types.RoleUser}, updated.Roles)

	promoted, err := f.users.Update(ctx, adminPrincipal("root"), alice.ID, UpdateInput{
		FullName: "Alice Liddell",
		Email:    "alice@wonderland.example",
		Role:     types.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{types.RoleAdmin}, promoted.Roles)

	kept, err := f.users.Update(ctx, adminPrincipal("root"), alice.ID, UpdateInput{
		FullName: "Alice",
		Email:    "alice@wonderland.example",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{types.RoleAdmin}, kept.Roles)
}

// racingRepository runs race once, right before the first write it sees.
type racingRepository struct {
	UserRepository
	race func()
}

func (r *racingRepository) fire() {
	if r.race != nil {
		race := r.race
		r.race = nil
		race()
	}
}

func (r *racingRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	r.fire()
	return r.UserRepository.Update(ctx, user)
}

func (r *racingRepository) SetAvatar(ctx context.Context, id, key, picturePath string) (string, error) {
	r.fire()
	return r.UserRepository.SetAvatar(ctx, id, key, picturePath)
}

func TestUpdateDoesNotUndoConcurrentRoleChange(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	repo := &racingRepository{UserRepository: mem.Users()}
	users := NewUserService(repo, mem.Roles(), UserServiceOptions{Hasher: NewBcryptHasher(bcrypt.MinCost)})
	root := adminPrincipal("root")

	alice, err := users.Register(ctx, &root, RegisterInput{FullName: "Alice", Email: "alice@example.com", Password: "secret123", Role: types.RoleAdmin})
	require.NoError(t, err)

	repo.race = func() {
		_, err := users.Update(ctx, root, alice.ID, UpdateInput{FullName: "Alice", Email: "alice@example.com", Role: types.RoleUser})
		require.NoError(t, err)
	}
	_, err = users.Update(ctx, alice.Principal(), alice.ID, UpdateInput{FullName: "Alice Liddell", Email: "alice@example.com"})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	stored, err := users.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{types.RoleUser}, stored.Roles)
	assert.Equal(t, "Alice", stored.FullName)
}

func TestSetAvatarDoesNotUndoConcurrentRoleChange(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	repo := &racingRepository{UserRepository: mem.Users()}
	local, err := storage.NewLocalClient(t.TempDir())
	require.NoError(t, err)
	users := NewUserService(repo, mem.Roles(), UserServiceOptions{
		Hasher:  NewBcryptHasher(bcrypt.MinCost),
		Storage: storage.NewStorage(local),
	})
	root := adminPrincipal("root")

	alice, err := users.Register(ctx, &root, RegisterInput{FullName: "Alice", Email: "alice@example.com", Password: "secret123", Role: types.RoleAdmin})
	require.NoError(t, err)

	repo.race = func() {
		_, err := users.Update(ctx, root, alice.ID, UpdateInput{FullName: "Alice", Email: "alice@example.com", Role: types.RoleUser})
		require.NoError(t, err)
	}
	updated, err := users.SetAvatar(ctx, alice.Principal(), alice.ID, AvatarUpload{
		Filename: "me.png",
		Size:     3,
		Body:     strings.NewReader("png"),
	}, "http://api.example")
	require.NoError(t, err)

	assert.Equal(t, []string{types.RoleUser}, updated.Roles)
	assert.NotEmpty(t, updated.AvatarKey)
}

func TestUpdateEmailConflict(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, nil, "Alice", "alice@example.com", "")
	f.register(t, nil, "Bob", "bob@example.com", "")

	_, err := f.users.Update(context.Background(), alice.Principal(), alice.ID, UpdateInput{
		FullName: "Alice",
		Email:    "bob@example.com",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "email")
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, nil, "Alice", "alice@example.com", "")
	admin := adminPrincipal("root")

	assert.ErrorIs(t, f.users.Delete(ctx, alice.Principal(), alice.ID), ErrForbidden)

	var verr *ValidationError
	assert.ErrorAs(t, f.users.Delete(ctx, admin, "root"), &verr)

	require.NoError(t, f.users.Delete(ctx, admin, alice.ID))
	_, err := f.users.GetByID(ctx, alice.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, f.users.Delete(ctx, admin, alice.ID), store.ErrNotFound)
	assert.Equal(t, []string{EventUserRegistered, EventUserDeleted}, f.events.types())
}

func TestEnsureAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, ok, err := f.users.EnsureAdmin(ctx, RegisterInput{FullName: "Root", Email: "root@example.com", Password: "secret123"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{types.RoleAdmin}, created.Roles)

	again, ok, err := f.users.EnsureAdmin(ctx, RegisterInput{FullName: "Root", Email: "ROOT@example.com", Password: "secret123"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, created.ID, again.ID)

	alice := f.register(t, nil, "Alice", "alice@example.com", "")
	promoted, ok, err := f.users.EnsureAdmin(ctx, RegisterInput{Email: "alice@example.com"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, alice.ID, promoted.ID)
	assert.Equal(t, "Alice", promoted.FullName)
	assert.Equal(t, []string{types.RoleAdmin}, promoted.Roles)
}

func TestSetAvatarReplacesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, nil, "Alice", "alice@example.com", "")

	first, err := f.users.SetAvatar(ctx, alice.Principal(), alice.ID, AvatarUpload{
		Filename: "me.PNG",
		Size:     4,
		Body:     strings.NewReader("png1"),
	}, "http://api.example/")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.ProfilePicturePath, "http://api.example/uploads/"))
	assert.True(t, strings.HasSuffix(first.ProfilePicturePath, ".png"))

	second, err := f.users.SetAvatar(ctx, alice.Principal(), alice.ID, AvatarUpload{
		Filename: "me.jpg",
		Size:     4,
		Body:     strings.NewReader("jpg2"),
	}, "http://api.example")
	require.NoError(t, err)

	_, err = f.files.Get(ctx, first.AvatarKey)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	body, contentType, err := f.users.OpenAvatar(ctx, second.AvatarKey)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "jpg2", string(data))
	assert.Equal(t, "image/jpeg", contentType)
}

func TestSetAvatarRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, nil, "Alice", "alice@example.com", "")
	bob := f.register(t, nil, "Bob", "bob@example.com", "")

	_, err := f.users.SetAvatar(ctx, bob.Principal(), alice.ID, AvatarUpload{Filename: "a.png", Size: 1, Body: strings.NewReader("x")}, "")
	assert.ErrorIs(t, err, ErrForbidden)

	cases := []AvatarUpload{
		{Filename: "a.png", Size: 0, Body: strings.NewReader("")},
		{Filename: "a.exe", Size: 1, Body: strings.NewReader("x")},
		{Filename: "a.png", Size: MaxAvatarBytes + 1, Body: strings.NewReader("x")},
	}
	for _, upload := range cases {
		_, err := f.users.SetAvatar(ctx, alice.Principal(), alice.ID, upload, "")
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, upload.Filename)
	}
}

func TestOpenAvatarRejectsUnknownKeys(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"../secret", "avatar.png", "0b5d2c1e-6a4f-4f4e-9d9e-1a2b3c4d5e6f.png"} {
		_, _, err := f.users.OpenAvatar(context.Background(), key)
		assert.ErrorIs(t, err, store.ErrNotFound, key)
	}
}

func TestEventFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.events.fail = true
	f.register(t, nil, "Alice", "alice@example.com", "")
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, nil, "Alice", "alice@example.com", "")

	signed, err := f.auth.Login(ctx, "ALICE@example.com", "secret123")
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Token)

	verified, err := f.issuer.Verify(signed.Token)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, verified.Principal.SubjectID)
	assert.Equal(t, "Alice", verified.Principal.DisplayName)
	assert.Equal(t, []string{types.RoleUser}, verified.Principal.Roles)
	assert.True(t, verified.ExpiresAt.Equal(signed.ExpiresAt))
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.register(t, nil, "Alice", "alice@example.com", "")

	cases := []struct {
		name, email, password string
	}{
		{"wrong password", "alice@example.com", "nope"},
		{"unknown email", "nobody@example.com", "secret123"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.auth.Login(context.Background(), tc.email, tc.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestBcryptHasherTooLong(t *testing.T) {
	_, err := NewBcryptHasher(bcrypt.MinCost).Hash(strings.Repeat("x", 80))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
