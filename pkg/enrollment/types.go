package enrollment

import "time"

// Enrollment links a user to a badge class they requested. A set
// BadgeInstanceID means the request was awarded; Denied is terminal as well.
// Withdrawal deletes the row.
type Enrollment struct {
	ID               int64      `json:"id"`
	EntityID         string     `json:"entity_id"`
	BadgeClassID     int64      `json:"badge_class_id"`
	UserID           int64      `json:"user_id"`
	Denied           bool       `json:"denied"`
	BadgeInstanceID  *int64     `json:"badge_instance_id,omitempty"`
	DateCreated      time.Time  `json:"date_created"`
	DateConsentGiven *time.Time `json:"date_consent_given,omitempty"`
	DateAwarded      *time.Time `json:"date_awarded,omitempty"`
}

// Awarded reports whether the enrollment resulted in a badge instance
func (e *Enrollment) Awarded() bool {
	return e.BadgeInstanceID != nil
}

// WithRelations is an enrollment annotated with badge class fields for
// list responses.
type WithRelations struct {
	Enrollment
	BadgeClassName     string `json:"badge_class_name"`
	BadgeClassEntityID string `json:"badge_class_entity_id"`
}

// Application-specific error codes. The front end branches on these, so they
// are part of the API contract.
const (
	CodeTermsNotAccepted    = 0
	CodeInvalidEnrollmentID = 204
	CodeEnrollmentNotFound  = 205
	CodeWithdrawAwarded     = 206
	CodeNotOwner            = 207
	CodeMissingBadgeClass   = 208
	CodeCannotEnroll        = 209
	CodeNoPermission        = 210
	CodeAlreadyDenied       = 211
	CodeDenyAwarded         = 212
)
