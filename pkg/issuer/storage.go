package issuer

import (
	"context"
	"database/sql"
	"fmt"
)

// ErrNotFound is returned when a badge class lookup matches no row
var ErrNotFound = sql.ErrNoRows

// Store provides badge class persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new badge class store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetByEntityID retrieves a badge class by its opaque slug
func (s *Store) GetByEntityID(ctx context.Context, entityID string) (*BadgeClass, error) {
	bc := &BadgeClass{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, name, description, institution_id, created_at, updated_at
		FROM badge_classes
		WHERE entity_id = $1
	`, entityID).Scan(&bc.ID, &bc.EntityID, &bc.Name, &bc.Description,
		&bc.InstitutionID, &bc.CreatedAt, &bc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return bc, nil
}

// GetByID retrieves a badge class by primary key
func (s *Store) GetByID(ctx context.Context, id int64) (*BadgeClass, error) {
	bc := &BadgeClass{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, name, description, institution_id, created_at, updated_at
		FROM badge_classes
		WHERE id = $1
	`, id).Scan(&bc.ID, &bc.EntityID, &bc.Name, &bc.Description,
		&bc.InstitutionID, &bc.CreatedAt, &bc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return bc, nil
}

// TermsAccepted reports whether the user accepted the badge class terms
func (s *Store) TermsAccepted(ctx context.Context, badgeClassID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM badge_class_terms_agreements
			WHERE badge_class_id = $1 AND user_id = $2
		)
	`, badgeClassID, userID).Scan(&exists)
	return exists, err
}

// AcceptTerms records the user's acceptance of the badge class terms
func (s *Store) AcceptTerms(ctx context.Context, badgeClassID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO badge_class_terms_agreements (badge_class_id, user_id, agreed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (badge_class_id, user_id) DO NOTHING
	`, badgeClassID, userID)
	if err != nil {
		return fmt.Errorf("failed to record badge class terms agreement: %w", err)
	}
	return nil
}

// MayAward reports whether the user holds award permission on the badge
// class, via staff membership of the owning institution.
func (s *Store) MayAward(ctx context.Context, badgeClassID, userID int64) (bool, error) {
	var allowed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM badge_classes bc
			JOIN institution_staff st ON st.institution_id = bc.institution_id
			WHERE bc.id = $1 AND st.user_id = $2 AND st.may_award = true
		)
	`, badgeClassID, userID).Scan(&allowed)
	return allowed, err
}

// ListExtensions returns the extensions attached to a badge class
func (s *Store) ListExtensions(ctx context.Context, badgeClassID int64) ([]*Extension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, badge_class_id, name, original_json
		FROM badge_class_extensions
		WHERE badge_class_id = $1
		ORDER BY id
	`, badgeClassID)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	defer rows.Close()

	var extensions []*Extension
	for rows.Next() {
		ext := &Extension{}
		if err := rows.Scan(&ext.ID, &ext.BadgeClassID, &ext.Name, &ext.OriginalJSON); err != nil {
			return nil, fmt.Errorf("failed to scan extension: %w", err)
		}
		extensions = append(extensions, ext)
	}
	return extensions, rows.Err()
}

// GetBadgeInstance retrieves an awarded badge by primary key
func (s *Store) GetBadgeInstance(ctx context.Context, id int64) (*BadgeInstance, error) {
	bi := &BadgeInstance{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, badge_class_id, user_id, awarded_at, expires_at
		FROM badge_instances
		WHERE id = $1
	`, id).Scan(&bi.ID, &bi.EntityID, &bi.BadgeClassID, &bi.UserID, &bi.AwardedAt, &bi.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return bi, nil
}
