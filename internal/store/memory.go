package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jjudge-oj/usermanagement/types"
)

// MemoryStore keeps users and roles in process memory. It backs
// STORE_BACKEND=memory and the package tests of the HTTP layers.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]types.User
	roles []string
	now   func() time.Time
}

// NewMemoryStore returns a store seeded with the default roles.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]types.User),
		roles: []string{types.RoleAdmin, types.RoleGuest, types.RoleUser},
		now:   time.Now,
	}
}

// Users returns the store as a user repository.
func (m *MemoryStore) Users() *MemoryUserRepository {
	return &MemoryUserRepository{m: m}
}

// Roles returns the store as a role repository.
func (m *MemoryStore) Roles() *MemoryRoleRepository {
	return &MemoryRoleRepository{m: m}
}

// MemoryUserRepository is the user view of a MemoryStore.
type MemoryUserRepository struct {
	m *MemoryStore
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	user, ok := r.m.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	for _, user := range r.m.users {
		if user.Email == email {
			return cloneUser(user), nil
		}
	}
	return types.User{}, ErrNotFound
}

func (r *MemoryUserRepository) List(ctx context.Context) ([]types.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	users := make([]types.User, 0, len(r.m.users))
	for _, user := range r.m.users {
		users = append(users, cloneUser(user))
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (r *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, exists := r.m.users[user.ID]; exists {
		return types.User{}, ErrConflict
	}
	if r.emailTakenLocked(user.Email, user.ID) {
		return types.User{}, ErrConflict
	}
	now := r.m.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user = cloneUser(user)
	r.m.users[user.ID] = user
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	current, ok := r.m.users[user.ID]
	if !ok {
		return types.User{}, ErrNotFound
	}
	if !current.UpdatedAt.Equal(user.UpdatedAt) {
		return types.User{}, ErrStale
	}
	if r.emailTakenLocked(user.Email, user.ID) {
		return types.User{}, ErrConflict
	}
	user.CreatedAt = current.CreatedAt
	user.UpdatedAt = r.m.nextUpdateLocked(current.UpdatedAt)
	user = cloneUser(user)
	r.m.users[user.ID] = user
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) SetAvatar(ctx context.Context, id, key, picturePath string) (string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	user, ok := r.m.users[id]
	if !ok {
		return "", ErrNotFound
	}
	previous := user.AvatarKey
	user.AvatarKey = key
	user.ProfilePicturePath = picturePath
	user.UpdatedAt = r.m.nextUpdateLocked(user.UpdatedAt)
	r.m.users[id] = user
	return previous, nil
}

func (r *MemoryUserRepository) Delete(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.users[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.users, id)
	return nil
}

func (r *MemoryUserRepository) emailTakenLocked(email, exceptID string) bool {
	for id, user := range r.m.users {
		if id != exceptID && user.Email == email {
			return true
		}
	}
	return false
}

// MemoryRoleRepository is the role view of a MemoryStore.
type MemoryRoleRepository struct {
	m *MemoryStore
}

func (r *MemoryRoleRepository) Exists(ctx context.Context, name string) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return slices.Contains(r.m.roles, name), nil
}

func (r *MemoryRoleRepository) List(ctx context.Context) ([]string, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return slices.Clone(r.m.roles), nil
}

// nextUpdateLocked returns an UpdatedAt strictly after prev.
func (m *MemoryStore) nextUpdateLocked(prev time.Time) time.Time {
	now := m.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func cloneUser(user types.User) types.User {
	user.Roles = slices.Clone(user.Roles)
	if user.Roles == nil {
		user.Roles = []string{}
	}
	slices.Sort(user.Roles)
	return user
}
