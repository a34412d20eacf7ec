package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Roles a platform user can hold.
const (
	RolePatient       = "patient"
	RoleDoctor        = "doctor"
	RoleLabTechnician = "lab_technician"
	RoleAdmin         = "admin"
)

var ErrNotFound = errors.New("user not found")

var validRoles = map[string]bool{
	RolePatient:       true,
	RoleDoctor:        true,
	RoleLabTechnician: true,
	RoleAdmin:         true,
}

// ValidRole reports whether role is one of the platform roles.
func ValidRole(role string) bool {
	return validRoles[role]
}

// User maps to the app_user table joined with user_role.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Roles     []string  `db:"roles" json:"roles"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NormalizeEmail trims surrounding whitespace. Matching stays exact otherwise.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(email)
}
