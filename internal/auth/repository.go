package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IdentityStore is the external identity collaborator: lookups, persistence
// of new identities and role assignments. The lifecycle policy (uniqueness
// ordering, default role, status checks) lives in Service.
type IdentityStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (User, bool, error)
	FindByID(ctx context.Context, id int64) (User, bool, error)
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
	Create(ctx context.Context, user User, role string) (int64, error)
	RolesByUserID(ctx context.Context, id int64) ([]string, error)
}

// Repository implements IdentityStore on Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, email, password_hash, phone, real_name, avatar_url, status, created_at, updated_at`

// FindByIdentifier matches either username or email, as login accepts both.
func (r *Repository) FindByIdentifier(ctx context.Context, identifier string) (User, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1 OR email = $1
	`, identifier)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("query user by identifier: %w", err)
	}

	return user, true, nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (User, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("query user by id: %w", err)
	}

	return user, true, nil
}

func (r *Repository) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM users WHERE username = $1 OR email = $2
		)
	`, username, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check identity uniqueness: %w", err)
	}

	return exists, nil
}

// Create inserts the identity and its initial role assignment in one
// transaction.
func (r *Repository) Create(ctx context.Context, user User, role string) (int64, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create identity tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, phone, real_name, avatar_url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id
	`, user.Username, user.Email, user.PasswordHash, user.Phone, user.RealName, user.AvatarURL, user.Status, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_name, created_at)
		VALUES ($1, $2, $3)
	`, id, role, now); err != nil {
		return 0, fmt.Errorf("insert user role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create identity tx: %w", err)
	}

	return id, nil
}

func (r *Repository) RolesByUserID(ctx context.Context, id int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role_name
		FROM user_roles
		WHERE user_id = $1
		ORDER BY role_name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user roles: %w", err)
	}

	return roles, nil
}

func scanUser(row *sql.Row) (User, error) {
	var user User
	var phone, realName, avatarURL sql.NullString
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&phone, &realName, &avatarURL, &user.Status,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.Phone = phone.String
	user.RealName = realName.String
	user.AvatarURL = avatarURL.String
	return user, nil
}
