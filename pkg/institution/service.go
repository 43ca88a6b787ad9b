package institution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Institution is an organizational entity identified by the federation's
// organization identifier (schac_home_organization).
type Institution struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StaffMember is an institution staff assignment with its permission flags
type StaffMember struct {
	ID                   int64  `json:"id"`
	InstitutionID        int64  `json:"institution_id"`
	UserID               int64  `json:"user_id"`
	Email                string `json:"email"`
	MayAdministrateUsers bool   `json:"may_administrate_users"`
	MayAward             bool   `json:"may_award"`
}

// ErrNotFound is returned when an institution lookup matches no row
var ErrNotFound = sql.ErrNoRows

const staffCacheTTL = 15 * time.Minute

// Service provides institution lookups with a Redis-cached staff list
type Service struct {
	db    *sql.DB
	redis *redis.Client
}

// NewService creates a new institution service
func NewService(db *sql.DB, redisClient *redis.Client) *Service {
	return &Service{db: db, redis: redisClient}
}

// GetByIdentifier resolves an institution by its federation organization
// identifier.
func (s *Service) GetByIdentifier(ctx context.Context, identifier string) (*Institution, error) {
	inst := &Institution{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identifier, name, created_at, updated_at
		FROM institutions
		WHERE identifier = $1
	`, identifier).Scan(&inst.ID, &inst.Identifier, &inst.Name, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// GetByID retrieves an institution by primary key
func (s *Service) GetByID(ctx context.Context, id int64) (*Institution, error) {
	inst := &Institution{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identifier, name, created_at, updated_at
		FROM institutions
		WHERE id = $1
	`, id).Scan(&inst.ID, &inst.Identifier, &inst.Name, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func staffCacheKey(institutionID int64) string {
	return fmt.Sprintf("institution:%d:staff", institutionID)
}

// Staff returns the institution's staff list, served from cache when fresh
func (s *Service) Staff(ctx context.Context, institutionID int64) ([]*StaffMember, error) {
	key := staffCacheKey(institutionID)

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			var staff []*StaffMember
			if err := json.Unmarshal([]byte(cached), &staff); err == nil {
				return staff, nil
			}
			s.redis.Del(ctx, key)
		}
	}

	staff, err := s.loadStaff(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(staff); err == nil {
			s.redis.Set(ctx, key, data, staffCacheTTL)
		}
	}
	return staff, nil
}

// InvalidateStaff drops the cached staff list for an institution
func (s *Service) InvalidateStaff(ctx context.Context, institutionID int64) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, staffCacheKey(institutionID)).Err()
}

func (s *Service) loadStaff(ctx context.Context, institutionID int64) ([]*StaffMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, st.institution_id, st.user_id, u.email,
			st.may_administrate_users, st.may_award
		FROM institution_staff st
		JOIN users u ON u.id = st.user_id
		WHERE st.institution_id = $1
		ORDER BY st.id
	`, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load staff: %w", err)
	}
	defer rows.Close()

	var staff []*StaffMember
	for rows.Next() {
		member := &StaffMember{}
		if err := rows.Scan(&member.ID, &member.InstitutionID, &member.UserID,
			&member.Email, &member.MayAdministrateUsers, &member.MayAward); err != nil {
			return nil, fmt.Errorf("failed to scan staff member: %w", err)
		}
		staff = append(staff, member)
	}
	return staff, rows.Err()
}

// AdminContact returns the email of the first staff member allowed to manage
// users, or "" when the institution has none. Used to point rejected
// registrants at someone who can invite them.
func (s *Service) AdminContact(ctx context.Context, institutionID int64) string {
	staff, err := s.Staff(ctx, institutionID)
	if err != nil {
		return ""
	}
	for _, member := range staff {
		if member.MayAdministrateUsers {
			return member.Email
		}
	}
	return ""
}
