package enrollment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an enrollment lookup matches no row
var ErrNotFound = sql.ErrNoRows

const enrollmentColumns = `id, entity_id, badge_class_id, user_id, denied,
	badge_instance_id, date_created, date_consent_given, date_awarded`

// Store provides enrollment persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new enrollment store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func scanEnrollment(row interface{ Scan(...interface{}) error }) (*Enrollment, error) {
	e := &Enrollment{}
	err := row.Scan(&e.ID, &e.EntityID, &e.BadgeClassID, &e.UserID, &e.Denied,
		&e.BadgeInstanceID, &e.DateCreated, &e.DateConsentGiven, &e.DateAwarded)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByEntityID retrieves an enrollment by its opaque identifier
func (s *Store) GetByEntityID(ctx context.Context, entityID string) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE entity_id = $1`, entityID)
	return scanEnrollment(row)
}

// ListByUser returns the user's enrollments with badge class annotations,
// newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]*WithRelations, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.entity_id, e.badge_class_id, e.user_id, e.denied,
			e.badge_instance_id, e.date_created, e.date_consent_given, e.date_awarded,
			bc.name, bc.entity_id
		FROM enrollments e
		JOIN badge_classes bc ON bc.id = e.badge_class_id
		WHERE e.user_id = $1
		ORDER BY e.date_created DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []*WithRelations
	for rows.Next() {
		e := &WithRelations{}
		if err := rows.Scan(&e.ID, &e.EntityID, &e.BadgeClassID, &e.UserID, &e.Denied,
			&e.BadgeInstanceID, &e.DateCreated, &e.DateConsentGiven, &e.DateAwarded,
			&e.BadgeClassName, &e.BadgeClassEntityID); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// ListPendingForBadgeClass returns the open (and optionally denied)
// enrollment requests for a badge class.
func (s *Store) ListPendingForBadgeClass(ctx context.Context, badgeClassID int64, includeDenied bool) ([]*Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE badge_class_id = $1 AND badge_instance_id IS NULL`
	if !includeDenied {
		query += ` AND denied = false`
	}
	query += ` ORDER BY date_created`

	rows, err := s.db.QueryContext(ctx, query, badgeClassID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// Create inserts a self-enrollment with its consent timestamp
func (s *Store) Create(ctx context.Context, badgeClassID, userID int64, consentGiven time.Time) (*Enrollment, error) {
	e := &Enrollment{
		EntityID:     uuid.NewString(),
		BadgeClassID: badgeClassID,
		UserID:       userID,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO enrollments (entity_id, badge_class_id, user_id, denied, date_created, date_consent_given)
		VALUES ($1, $2, $3, false, NOW(), $4)
		RETURNING id, date_created, date_consent_given
	`, e.EntityID, badgeClassID, userID, consentGiven).
		Scan(&e.ID, &e.DateCreated, &e.DateConsentGiven)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}
	return e, nil
}

// Delete removes an enrollment (withdrawal)
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enrollments WHERE id = $1`, id)
	return err
}

// MarkDenied flags an enrollment as denied
func (s *Store) MarkDenied(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE enrollments SET denied = true WHERE id = $1`, id)
	return err
}

// HasOpenEnrollment reports whether the user already has an undenied,
// unawarded request for the badge class.
func (s *Store) HasOpenEnrollment(ctx context.Context, badgeClassID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM enrollments
			WHERE badge_class_id = $1 AND user_id = $2
				AND denied = false AND badge_instance_id IS NULL
		)
	`, badgeClassID, userID).Scan(&exists)
	return exists, err
}

// HoldsBadge reports whether the user was already awarded the badge class
func (s *Store) HoldsBadge(ctx context.Context, badgeClassID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM badge_instances
			WHERE badge_class_id = $1 AND user_id = $2
		)
	`, badgeClassID, userID).Scan(&exists)
	return exists, err
}
