package dto

import (
	"time"

	"github.com/spec-kit/helpdesk-service/internal/domain"
)

// RegisterRequest is the POST /api/auth/register body.
type RegisterRequest struct {
	FullName string      `json:"fullname"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     domain.Role `json:"role"`
}

// LoginRequest is the POST /api/auth/login body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse returns issued token metadata.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    LoginPayload `json:"data"`
}

// LoginPayload carries the account and its token.
type LoginPayload struct {
	User *domain.User `json:"user"`
	Auth AuthResponse `json:"auth"`
}
