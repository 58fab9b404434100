package domain

import "time"

// Role is the coarse authorization level of an identity.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether the role may act on tickets it did not raise.
func (r Role) IsStaff() bool {
	return r == RoleAgent || r == RoleAdmin
}

// UserStatus represents lifecycle states for an account.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusInactive  UserStatus = "inactive"
	UserStatusSuspended UserStatus = "suspended"
)

// User is an account that raises, handles or oversees tickets.
type User struct {
	ID           string     `json:"id"`
	FullName     string     `json:"fullname"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Identity returns the acting identity for this user.
func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Role: u.Role}
}

// TicketRelation tags a user-to-ticket link.
type TicketRelation string

const (
	RelationRaised   TicketRelation = "raised"
	RelationAssigned TicketRelation = "assigned"
)
