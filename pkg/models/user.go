package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole represents user role type
type UserRole string

const (
	RoleClient UserRole = "client"
	RoleDriver UserRole = "driver"
	RoleAdmin  UserRole = "admin"
)

// User represents an account in the system (clients, drivers and admins).
// The dispatch core only reads users; account management lives elsewhere.
type User struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Email       string     `json:"email" db:"email"`
	PhoneNumber string     `json:"phone_number" db:"phone_number"`
	FirstName   string     `json:"first_name" db:"first_name"`
	LastName    string     `json:"last_name" db:"last_name"`
	Role        UserRole   `json:"role" db:"role"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
