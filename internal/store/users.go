package store

import (
	"context"
	"database/sql"
	"errors"
)

// CreateUser inserts a user with a pre-hashed password.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO users (email, password_hash) VALUES ($1,$2)
`, email, hash)
	return err
}

// GetUserByEmail returns the id and password hash for an email, or
// ok=false when the user does not exist.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id int64, hash string, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx, `
SELECT id, password_hash FROM users WHERE email=$1
`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return id, hash, true, nil
}
