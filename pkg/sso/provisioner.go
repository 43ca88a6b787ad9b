package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/educredentials/badgekit/pkg/auth"
)

// ErrNoProvisionment is returned when no invitation matches the user
var ErrNoProvisionment = fmt.Errorf("no matching provisionment")

// staffPermissions is the JSON payload of a staff invitation
type staffPermissions struct {
	MayAdministrateUsers bool `json:"may_administrate_users"`
	MayAward             bool `json:"may_award"`
}

// Provisioner applies pending invitations to users on login
type Provisioner struct {
	db *sql.DB
}

// NewProvisioner creates a new provisioner
func NewProvisioner(db *sql.DB) *Provisioner {
	return &Provisioner{db: db}
}

// Match returns the user's open provisionments, identified by email within
// the institution. Returns ErrNoProvisionment when none are open.
func (p *Provisioner) Match(ctx context.Context, email string, institutionID int64) ([]*Provisionment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, email, institution_id, for_teacher, type, data, created_by,
			accepted, rejected, user_id, created_at, accepted_at
		FROM user_provisionments
		WHERE email = $1 AND institution_id = $2 AND rejected = false
		ORDER BY created_at
	`, email, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to match provisionments: %w", err)
	}
	defer rows.Close()

	var provisionments []*Provisionment
	for rows.Next() {
		pr := &Provisionment{}
		if err := rows.Scan(&pr.ID, &pr.Email, &pr.InstitutionID, &pr.ForTeacher,
			&pr.Type, &pr.Data, &pr.CreatedBy, &pr.Accepted, &pr.Rejected,
			&pr.UserID, &pr.CreatedAt, &pr.AcceptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provisionment: %w", err)
		}
		provisionments = append(provisionments, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(provisionments) == 0 {
		return nil, ErrNoProvisionment
	}
	return provisionments, nil
}

// Apply performs a single provisionment for a user: binds it to the user,
// marks it accepted, and grants any staff permissions it carries.
// Idempotent, so re-running on a later login is safe.
func (p *Provisioner) Apply(ctx context.Context, provisionment *Provisionment, user *auth.User) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE user_provisionments
		SET accepted = true, user_id = $1, accepted_at = NOW()
		WHERE id = $2
	`, user.ID, provisionment.ID)
	if err != nil {
		return fmt.Errorf("failed to accept provisionment: %w", err)
	}

	switch provisionment.Type {
	case ProvisionmentTypeStaff, ProvisionmentTypeFirstAdmin:
		perms := staffPermissions{}
		if provisionment.Data != "" {
			if err := json.Unmarshal([]byte(provisionment.Data), &perms); err != nil {
				return fmt.Errorf("malformed provisionment data: %w", err)
			}
		}
		if provisionment.Type == ProvisionmentTypeFirstAdmin {
			perms.MayAdministrateUsers = true
			perms.MayAward = true
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO institution_staff (institution_id, user_id, may_administrate_users, may_award)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (institution_id, user_id) DO UPDATE
				SET may_administrate_users = EXCLUDED.may_administrate_users,
					may_award = EXCLUDED.may_award
		`, provisionment.InstitutionID, user.ID, perms.MayAdministrateUsers, perms.MayAward)
		if err != nil {
			return fmt.Errorf("failed to grant staff permissions: %w", err)
		}
	}

	return tx.Commit()
}

// ApplyAll applies every matched provisionment in order
func (p *Provisioner) ApplyAll(ctx context.Context, provisionments []*Provisionment, user *auth.User) error {
	for _, provisionment := range provisionments {
		if err := p.Apply(ctx, provisionment, user); err != nil {
			return err
		}
	}
	return nil
}
