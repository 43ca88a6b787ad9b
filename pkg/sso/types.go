package sso

import "time"

// AuthErrorCode is a structured code rendered on the auth-error page so the
// front end can show tailored guidance.
type AuthErrorCode string

const (
	// AuthErrorRegisterWithoutInvite means the user's institution exists
	// but no invitation matched their identity, or the institution was
	// never created.
	AuthErrorRegisterWithoutInvite AuthErrorCode = "REGISTER_WITHOUT_INVITE"
)

// Claims are the id-token attributes requested from the federation provider.
// Sub, Email and SchacHomeOrganization are required; the rest is optional.
type Claims struct {
	Sub                   string `json:"sub"`
	Email                 string `json:"email"`
	SchacHomeOrganization string `json:"schac_home_organization"`
	PreferredUsername     string `json:"preferred_username"`
	GivenName             string `json:"given_name"`
	FamilyName            string `json:"family_name"`
}

// LoginState is round-tripped through the provider in the OAuth2 state
// parameter. The nonce is checked against the session on return.
type LoginState struct {
	Process      string `json:"process"` // "login" or "connect"
	AuthCode     string `json:"auth_code,omitempty"`
	AppID        string `json:"app_id,omitempty"`
	LTIContextID string `json:"lti_context_id,omitempty"`
	LTIUserID    string `json:"lti_user_id,omitempty"`
	LTIRoles     string `json:"lti_roles,omitempty"`
	Referer      string `json:"referer,omitempty"`
	Nonce        string `json:"nonce"`
}

// Provisionment is a pending invitation created by an institution admin
// before the invited user's first login. The email is the matching identity.
type Provisionment struct {
	ID            int64      `json:"id"`
	Email         string     `json:"email"`
	InstitutionID int64      `json:"institution_id"`
	ForTeacher    bool       `json:"for_teacher"`
	Type          string     `json:"type"`
	Data          string     `json:"data"` // JSON payload, shape depends on Type
	CreatedBy     *int64     `json:"created_by,omitempty"`
	Accepted      bool       `json:"accepted"`
	Rejected      bool       `json:"rejected"`
	UserID        *int64     `json:"user_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
}

// Provisionment types
const (
	ProvisionmentTypeStaff      = "staff_invitation"
	ProvisionmentTypeFirstAdmin = "first_admin_invitation"
)
