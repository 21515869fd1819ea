package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jjudge-oj/usermanagement/types"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const selectUser = `
		SELECT u.id, u.full_name, u.email, u.password_hash, u.profile_picture_path, u.avatar_key,
			u.created_at, u.updated_at,
			COALESCE(array_agg(r.role ORDER BY r.role) FILTER (WHERE r.role IS NOT NULL), '{}') AS roles
		FROM users u
		LEFT JOIN user_roles r ON r.user_id = u.id`

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.User{}, ErrNotFound
	}
	query := selectUser + `
		WHERE u.id = $1
		GROUP BY u.id`
	return r.getOne(ctx, query, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	query := selectUser + `
		WHERE u.email = $1
		GROUP BY u.id`
	return r.getOne(ctx, query, email)
}

func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	query := selectUser + `
		GROUP BY u.id
		ORDER BY u.created_at, u.id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []types.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := dbNow()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.User{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const query = `
		INSERT INTO users (id, full_name, email, password_hash, profile_picture_path, avatar_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(
		ctx,
		query,
		user.ID,
		user.FullName,
		user.Email,
		user.PasswordHash,
		user.ProfilePicturePath,
		user.AvatarKey,
		user.CreatedAt,
		user.UpdatedAt,
	); err != nil {
		return types.User{}, mapWriteError(err)
	}

	if err := insertRoles(ctx, tx, user.ID, user.Roles); err != nil {
		return types.User{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.User{}, err
	}
	return user, nil
}

// Update writes user back only if its row still carries the UpdatedAt the
// caller read. Otherwise it returns ErrStale, or ErrNotFound when the row is
// gone.
func (r *UserRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	readAt := user.UpdatedAt
	user.UpdatedAt = dbNow()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.User{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const query = `
		UPDATE users
		SET full_name = $1,
			email = $2,
			password_hash = $3,
			profile_picture_path = $4,
			avatar_key = $5,
			updated_at = $6
		WHERE id = $7 AND updated_at = $8`
	result, err := tx.ExecContext(
		ctx,
		query,
		user.FullName,
		user.Email,
		user.PasswordHash,
		user.ProfilePicturePath,
		user.AvatarKey,
		user.UpdatedAt,
		user.ID,
		readAt,
	)
	if err != nil {
		return types.User{}, mapWriteError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.User{}, err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, user.ID).Scan(&exists); err != nil {
			return types.User{}, err
		}
		if exists {
			return types.User{}, ErrStale
		}
		return types.User{}, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, user.ID); err != nil {
		return types.User{}, err
	}
	if err := insertRoles(ctx, tx, user.ID, user.Roles); err != nil {
		return types.User{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.User{}, err
	}
	return user, nil
}

// SetAvatar records a new profile picture without touching any other column
// and returns the key it replaced.
func (r *UserRepository) SetAvatar(ctx context.Context, id, key, picturePath string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrNotFound
	}
	const query = `
		UPDATE users u
		SET avatar_key = $1,
			profile_picture_path = $2,
			updated_at = $3
		FROM (SELECT id, avatar_key FROM users WHERE id = $4 FOR UPDATE) old
		WHERE u.id = old.id
		RETURNING old.avatar_key`
	var previous string
	err := r.db.QueryRowContext(ctx, query, key, picturePath, dbNow(), id).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return previous, nil
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	const query = `DELETE FROM users WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (types.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.FullName,
		&user.Email,
		&user.PasswordHash,
		&user.ProfilePicturePath,
		&user.AvatarKey,
		&user.CreatedAt,
		&user.UpdatedAt,
		pq.Array(&user.Roles),
	)
	if err != nil {
		return types.User{}, err
	}
	if user.Roles == nil {
		user.Roles = []string{}
	}
	return user, nil
}

func insertRoles(ctx context.Context, tx *sql.Tx, userID string, roles []string) error {
	const query = `INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx, query, userID, role); err != nil {
			return fmt.Errorf("assign role %q: %w", role, err)
		}
	}
	return nil
}

// dbNow matches the microsecond precision of timestamptz so a timestamp
// handed back to Update compares equal to the stored one.
func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}
