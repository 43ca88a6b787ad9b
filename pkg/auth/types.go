package auth

import "time"

// User is a platform identity record. Institution membership is nullable:
// a user exists before their first federated login binds an institution.
type User struct {
	ID            int64      `json:"id"`
	EntityID      string     `json:"entity_id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	InstitutionID *int64     `json:"institution_id,omitempty"`
	AppID         *string    `json:"app_id,omitempty"`
	IsTeacher     bool       `json:"is_teacher"`
	Invited       bool       `json:"invited"`
	ValidatedName bool       `json:"validated_name"`
	DateJoined    time.Time  `json:"date_joined"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// FullName joins the given and family names asserted by the provider
func (u *User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.LastName
	}
}

// AuthContext carries the authenticated user through a request
type AuthContext struct {
	User *User
}

// SocialAccount links a federated identity (provider subject) to a local user
type SocialAccount struct {
	ID          int64     `json:"id"`
	Provider    string    `json:"provider"`
	SubjectID   string    `json:"subject_id"`
	UserID      int64     `json:"user_id"`
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
}
