package issuer

import "time"

// BadgeClass is an awardable badge definition owned by an institution
type BadgeClass struct {
	ID            int64     `json:"id"`
	EntityID      string    `json:"entity_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	InstitutionID int64     `json:"institution_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Extension is an Open Badges extension attached to a badge class, stored as
// the original JSON document.
type Extension struct {
	ID           int64  `json:"id"`
	BadgeClassID int64  `json:"badge_class_id"`
	Name         string `json:"name"`
	OriginalJSON string `json:"original_json"`
}

// BadgeInstance is an awarded badge. The user link is nullable: instances
// survive user deletion with the reference cleared.
type BadgeInstance struct {
	ID           int64      `json:"id"`
	EntityID     string     `json:"entity_id"`
	BadgeClassID int64      `json:"badge_class_id"`
	UserID       *int64     `json:"user_id,omitempty"`
	AwardedAt    time.Time  `json:"awarded_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
