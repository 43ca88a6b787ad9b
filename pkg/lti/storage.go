package lti

import (
	"context"
	"database/sql"
	"fmt"
)

// Store provides persistence for LTI context associations
type Store struct {
	db *sql.DB
}

// NewStore creates a new LTI store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListBadgeClassesForContext returns the badge classes associated with an
// LTI course context.
func (s *Store) ListBadgeClassesForContext(ctx context.Context, contextID string) ([]*ContextBadgeClass, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.context_id, c.badge_class_id, bc.entity_id, bc.name
		FROM badge_class_lti_contexts c
		JOIN badge_classes bc ON bc.id = c.badge_class_id
		WHERE c.context_id = $1
		ORDER BY bc.name
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to list context badge classes: %w", err)
	}
	defer rows.Close()

	var associations []*ContextBadgeClass
	for rows.Next() {
		a := &ContextBadgeClass{}
		if err := rows.Scan(&a.ID, &a.ContextID, &a.BadgeClassID,
			&a.BadgeClassEntityID, &a.BadgeClassName); err != nil {
			return nil, fmt.Errorf("failed to scan context badge class: %w", err)
		}
		associations = append(associations, a)
	}
	return associations, rows.Err()
}

// AddBadgeClassToContext associates a badge class with a context.
// Idempotent: an existing association is left untouched.
func (s *Store) AddBadgeClassToContext(ctx context.Context, contextID string, badgeClassID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO badge_class_lti_contexts (context_id, badge_class_id)
		VALUES ($1, $2)
		ON CONFLICT (context_id, badge_class_id) DO NOTHING
	`, contextID, badgeClassID)
	if err != nil {
		return fmt.Errorf("failed to add badge class to context: %w", err)
	}
	return nil
}

// RemoveBadgeClassFromContext removes a context association
func (s *Store) RemoveBadgeClassFromContext(ctx context.Context, contextID string, badgeClassID int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM badge_class_lti_contexts
		WHERE context_id = $1 AND badge_class_id = $2
	`, contextID, badgeClassID)
	if err != nil {
		return fmt.Errorf("failed to remove badge class from context: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpsertUserTenant records that an LTI user identifier within a tenant
// belongs to a platform user. Idempotent per launch.
func (s *Store) UpsertUserTenant(ctx context.Context, ltiUserID string, userID int64, tenantKey string, isStaff bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lti_user_tenants (lti_user_id, user_id, tenant_key, is_staff, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (lti_user_id, user_id, tenant_key) DO UPDATE SET is_staff = EXCLUDED.is_staff
	`, ltiUserID, userID, tenantKey, isStaff)
	if err != nil {
		return fmt.Errorf("failed to upsert lti user tenant: %w", err)
	}
	return nil
}

// SetCurrentContext records the context a user last launched from,
// replacing any previous value.
func (s *Store) SetCurrentContext(ctx context.Context, userID int64, contextID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_current_contexts (user_id, context_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET context_id = EXCLUDED.context_id
	`, userID, contextID)
	if err != nil {
		return fmt.Errorf("failed to set current context: %w", err)
	}
	return nil
}

// GetCurrentContext returns the user's last launched context id
func (s *Store) GetCurrentContext(ctx context.Context, userID int64) (string, error) {
	var contextID string
	err := s.db.QueryRowContext(ctx, `
		SELECT context_id FROM user_current_contexts WHERE user_id = $1
	`, userID).Scan(&contextID)
	if err != nil {
		return "", err
	}
	return contextID, nil
}
