package lti

import "time"

// ContextBadgeClass associates a badge class with an LTI course context.
// The (context_id, badge_class_id) pair is unique.
type ContextBadgeClass struct {
	ID                 int64  `json:"id"`
	ContextID          string `json:"context_id"`
	BadgeClassID       int64  `json:"badge_class_id"`
	BadgeClassEntityID string `json:"badge_class_entity_id"`
	BadgeClassName     string `json:"badge_class_name"`
}

// UserTenant links an LTI user identifier within a tool consumer tenant to
// a platform user.
type UserTenant struct {
	ID        int64     `json:"id"`
	LtiUserID string    `json:"lti_user_id"`
	UserID    int64     `json:"user_id"`
	TenantKey string    `json:"tenant_key"`
	IsStaff   bool      `json:"is_staff"`
	CreatedAt time.Time `json:"created_at"`
}

// CurrentContext records the LTI course context a user last launched from.
// One row per user; a new launch overwrites it.
type CurrentContext struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	ContextID string `json:"context_id"`
}
