package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "6f1c2a4e-6a55-4d6b-9a0e-1b2f3c4d5e6f"

var userColumns = []string{
	"id", "full_name", "email", "password_hash", "profile_picture_path", "avatar_key",
	"created_at", "updated_at", "roles",
}

func TestUserRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "A", "a@x.com", "hash", "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_roles").
		WithArgs(sqlmock.AnyArg(), types.RoleUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewUserRepository(db)
	created, err := repo.Create(context.Background(), types.User{
		FullName:     "A",
		Email:        "a@x.com",
		PasswordHash: "hash",
		Roles:        []string{types.RoleUser},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_CreateDuplicateEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})
	mock.ExpectRollback()

	repo := NewUserRepository(db)
	_, err = repo.Create(context.Background(), types.User{FullName: "A", Email: "a@x.com", PasswordHash: "hash"})

	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT u.id, u.full_name").
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(testUserID, "A", "a@x.com", "hash", "http://api/uploads/a.png", "a.png", now, now, "{Admin,User}"))

	repo := NewUserRepository(db)
	user, err := repo.GetByID(context.Background(), testUserID)
	require.NoError(t, err)

	assert.Equal(t, "A", user.FullName)
	assert.Equal(t, []string{types.RoleAdmin, types.RoleUser}, user.Roles)
	assert.Equal(t, "http://api/uploads/a.png", user.ProfilePicturePath)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT u.id, u.full_name").
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows(userColumns))

	repo := NewUserRepository(db)

	_, err = repo.GetByID(context.Background(), testUserID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetByID(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT u.id, u.full_name").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(testUserID, "A", "a@x.com", "hash", "", "", now, now, "{User}").
			AddRow("1f1c2a4e-6a55-4d6b-9a0e-1b2f3c4d5e6f", "B", "b@x.com", "hash", "", "", now, now, "{}"))

	repo := NewUserRepository(db)
	users, err := repo.List(context.Background())
	require.NoError(t, err)

	require.Len(t, users, 2)
	assert.Equal(t, []string{types.RoleUser}, users[0].Roles)
	assert.Equal(t, []string{}, users[1].Roles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdateReplacesRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").
		WithArgs("B", "b@x.com", "hash", "", "", sqlmock.AnyArg(), testUserID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM user_roles").
		WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_roles").
		WithArgs(testUserID, types.RoleAdmin).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewUserRepository(db)
	_, err = repo.Update(context.Background(), types.User{
		ID:           testUserID,
		FullName:     "B",
		Email:        "b@x.com",
		PasswordHash: "hash",
		Roles:        []string{types.RoleAdmin},
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	repo := NewUserRepository(db)
	_, err = repo.Update(context.Background(), types.User{ID: testUserID})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdateStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	readAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").
		WithArgs("B", "b@x.com", "hash", "", "", sqlmock.AnyArg(), testUserID, readAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	repo := NewUserRepository(db)
	_, err = repo.Update(context.Background(), types.User{
		ID:           testUserID,
		FullName:     "B",
		Email:        "b@x.com",
		PasswordHash: "hash",
		Roles:        []string{types.RoleAdmin},
		UpdatedAt:    readAt,
	})

	assert.ErrorIs(t, err, ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_SetAvatar(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE users u").
		WithArgs("new.png", "http://api/uploads/new.png", sqlmock.AnyArg(), testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"avatar_key"}).AddRow("old.png"))
	mock.ExpectQuery("UPDATE users u").
		WithArgs("new.png", "http://api/uploads/new.png", sqlmock.AnyArg(), testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"avatar_key"}))

	repo := NewUserRepository(db)
	previous, err := repo.SetAvatar(context.Background(), testUserID, "new.png", "http://api/uploads/new.png")
	require.NoError(t, err)
	assert.Equal(t, "old.png", previous)

	_, err = repo.SetAvatar(context.Background(), testUserID, "new.png", "http://api/uploads/new.png")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM users").
		WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM users").
		WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewUserRepository(db)
	assert.NoError(t, repo.Delete(context.Background(), testUserID))
	assert.ErrorIs(t, repo.Delete(context.Background(), testUserID), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRepository_Exists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("Admin").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewRoleRepository(db)
	exists, err := repo.Exists(context.Background(), "Admin")

	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
