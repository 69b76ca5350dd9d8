package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lingochat/internal/models"
)

const userColumns = `id, email, password, display_name, language, push_token, created_at`

// CreateUser inserts a user; Email must be unique.
func (db *DB) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	created := *user
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.Email = strings.ToLower(strings.TrimSpace(created.Email))
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.Email, created.Password, created.DisplayName,
		created.Language, created.PushToken, created.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", created.Email, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &created, nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", email, err)
	}
	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return user, nil
}

// SearchUsers matches display names and emails case-insensitively, ranking exact
// matches first, then prefix matches, then substring matches.
func (db *DB) SearchUsers(ctx context.Context, query string, limit int) ([]*models.User, error) {
	query = strings.TrimSpace(query)
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE display_name LIKE ? COLLATE NOCASE OR email LIKE ? COLLATE NOCASE
		ORDER BY
			CASE
				WHEN display_name LIKE ? COLLATE NOCASE THEN 1
				WHEN display_name LIKE ? COLLATE NOCASE THEN 2
				ELSE 3
			END,
			display_name COLLATE NOCASE
		LIMIT ?
	`, "%"+query+"%", "%"+query+"%", query, query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (db *DB) UpdateUserLanguage(ctx context.Context, userID, language string) error {
	return db.updateUser(ctx, userID, `UPDATE users SET language = ? WHERE id = ?`, language)
}

func (db *DB) SetPushToken(ctx context.Context, userID, token string) error {
	return db.updateUser(ctx, userID, `UPDATE users SET push_token = ? WHERE id = ?`, token)
}

func (db *DB) updateUser(ctx context.Context, userID, query, value string) error {
	res, err := db.ExecContext(ctx, query, value, userID)
	if err != nil {
		return fmt.Errorf("update user %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Email, &user.Password, &user.DisplayName,
		&user.Language, &user.PushToken, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
