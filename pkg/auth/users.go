package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUserNotFound is returned when a user lookup matches no row
var ErrUserNotFound = sql.ErrNoRows

const userColumns = `id, entity_id, username, email, first_name, last_name,
	institution_id, app_id, is_teacher, invited, validated_name,
	date_joined, updated_at, last_login_at`

// UserStore provides user persistence over Postgres
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a new user store
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.EntityID, &user.Username, &user.Email,
		&user.FirstName, &user.LastName, &user.InstitutionID, &user.AppID,
		&user.IsTeacher, &user.Invited, &user.ValidatedName,
		&user.DateJoined, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetByID retrieves a user by primary key
func (s *UserStore) GetByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEntityID retrieves a user by opaque entity identifier
func (s *UserStore) GetByEntityID(ctx context.Context, entityID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE entity_id = $1`, entityID)
	return scanUser(row)
}

// Create inserts a user record for a first-time federated login
func (s *UserStore) Create(ctx context.Context, user *User) error {
	if user.EntityID == "" {
		user.EntityID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (entity_id, username, email, first_name, last_name,
			institution_id, app_id, is_teacher, invited, validated_name,
			date_joined, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING id, date_joined, updated_at
	`, user.EntityID, user.Username, user.Email, user.FirstName, user.LastName,
		user.InstitutionID, user.AppID, user.IsTeacher, user.Invited, user.ValidatedName).
		Scan(&user.ID, &user.DateJoined, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Update persists mutable user fields
func (s *UserStore) Update(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $1, first_name = $2, last_name = $3, institution_id = $4,
			app_id = $5, is_teacher = $6, invited = $7, validated_name = $8,
			updated_at = NOW()
		WHERE id = $9
	`, user.Email, user.FirstName, user.LastName, user.InstitutionID,
		user.AppID, user.IsTeacher, user.Invited, user.ValidatedName, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// TouchLastLogin records a successful login
func (s *UserStore) TouchLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = NOW(), updated_at = NOW() WHERE id = $1`, userID)
	return err
}

// Delete removes a user row. Used only by the failed-registration cleanup in
// the login callback; normal account removal is out of scope here.
func (s *UserStore) Delete(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	return err
}

// GetSocialAccount looks up the federated identity link for a provider subject
func (s *UserStore) GetSocialAccount(ctx context.Context, provider, subjectID string) (*SocialAccount, error) {
	account := &SocialAccount{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, subject_id, user_id, last_login_at, created_at
		FROM social_accounts
		WHERE provider = $1 AND subject_id = $2
	`, provider, subjectID).Scan(
		&account.ID, &account.Provider, &account.SubjectID,
		&account.UserID, &account.LastLoginAt, &account.CreatedAt)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// LinkSocialAccount connects a federated identity to a local user,
// updating the last-login timestamp when the link already exists.
func (s *UserStore) LinkSocialAccount(ctx context.Context, provider, subjectID string, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO social_accounts (provider, subject_id, user_id, last_login_at, created_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (provider, subject_id) DO UPDATE SET last_login_at = NOW()
	`, provider, subjectID, userID)
	if err != nil {
		return fmt.Errorf("failed to link social account: %w", err)
	}
	return nil
}

// AcceptTerms records acceptance of the given terms version, idempotently
func (s *UserStore) AcceptTerms(ctx context.Context, userID int64, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terms_agreements (user_id, terms_version, agreed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, terms_version) DO NOTHING
	`, userID, version)
	if err != nil {
		return fmt.Errorf("failed to record terms agreement: %w", err)
	}
	return nil
}

// HasAcceptedTerms reports whether the user accepted the given terms version
func (s *UserStore) HasAcceptedTerms(ctx context.Context, userID int64, version int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM terms_agreements WHERE user_id = $1 AND terms_version = $2)
	`, userID, version).Scan(&exists)
	return exists, err
}

// JoinedOn reports whether the user's join date falls on the given UTC day
func (u *User) JoinedOn(day time.Time) bool {
	y1, m1, d1 := u.DateJoined.UTC().Date()
	y2, m2, d2 := day.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
