package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresAuthRepository implements account persistence using a
// PostgreSQL database.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a new PostgresAuthRepository with
// the given database connection.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// UserExists checks whether a user with the specified login exists.
func (r *PostgresAuthRepository) UserExists(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`,
		login,
	).Scan(&exists)
	return exists, err
}

// CreateUser inserts a new account. The ON CONFLICT DO NOTHING clause
// makes a duplicate login a silent no-op; callers check UserExists
// first and treat zero affected rows as "already registered".
func (r *PostgresAuthRepository) CreateUser(ctx context.Context, id, login, passwordHash string) error {
	res, err := r.DB.ExecContext(
		ctx,
		`INSERT INTO users (id, login, password_hash) VALUES ($1, $2, $3) ON CONFLICT (login) DO NOTHING`,
		id, login, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("login already taken")
	}
	return nil
}

// GetUserByLogin returns the account id and password hash for a login.
// Returns ErrNotFound when the login is unknown.
func (r *PostgresAuthRepository) GetUserByLogin(ctx context.Context, login string) (id, passwordHash string, err error) {
	err = r.DB.QueryRowContext(
		ctx,
		`SELECT id, password_hash FROM users WHERE login = $1`,
		login,
	).Scan(&id, &passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("get user: %w", err)
	}
	return id, passwordHash, nil
}
