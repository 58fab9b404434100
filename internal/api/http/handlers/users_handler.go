package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/helpdesk-service/internal/api/dto"
	"github.com/spec-kit/helpdesk-service/internal/auth"
	"github.com/spec-kit/helpdesk-service/internal/service"
	apperrors "github.com/spec-kit/helpdesk-service/pkg/util/errorutil"
)

// UsersHandler exposes auth and directory endpoints.
type UsersHandler struct {
	auth         *service.AuthService
	users        *service.UserService
	cookieSecure bool
}

// NewUsersHandler constructs handler.
func NewUsersHandler(authService *service.AuthService, userService *service.UserService, cookieSecure bool) *UsersHandler {
	return &UsersHandler{auth: authService, users: userService, cookieSecure: cookieSecure}
}

// Register handles POST /api/auth/register.
func (h *UsersHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	result, err := h.auth.Register(c.UserContext(), service.RegisterInput{
		FullName:       req.FullName,
		Email:          req.Email,
		Password:       req.Password,
		Role:           req.Role,
		IdempotencyKey: c.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if result.Replayed {
		status = fiber.StatusOK
	} else {
		h.setSessionCookie(c, result.Token, result.ExpiresAt)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(result.Body)
}

// Login handles POST /api/auth/login.
func (h *UsersHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	user, token, exp, err := h.auth.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	h.setSessionCookie(c, token, exp)
	return c.JSON(dto.LoginResponse{
		Success: true,
		Message: "Logged in successfully",
		Data: dto.LoginPayload{
			User: user,
			Auth: dto.AuthResponse{Token: token, ExpiresAt: exp},
		},
	})
}

// Logout handles POST /api/auth/logout by expiring the session cookie.
func (h *UsersHandler) Logout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   h.cookieSecure,
		SameSite: h.sameSite(),
	})
	return c.JSON(fiber.Map{"success": true, "message": "Logged out successfully"})
}

// Me handles GET /api/auth/me.
func (h *UsersHandler) Me(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("user required")
	}
	profile, err := h.users.Profile(c.UserContext(), principal.User.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": profile})
}

// ListAgents handles GET /api/users/agents.
func (h *UsersHandler) ListAgents(c *fiber.Ctx) error {
	page, err := h.users.ListAgents(c.UserContext(), parseInt(c.Query("limit"), 0), parseInt(c.Query("offset"), 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"items":       page.Items,
		"next_offset": page.NextOffset,
		"total":       page.Total,
	})
}

func (h *UsersHandler) setSessionCookie(c *fiber.Ctx, token string, exp time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Expires:  exp,
		HTTPOnly: true,
		Secure:   h.cookieSecure,
		SameSite: h.sameSite(),
	})
}

func (h *UsersHandler) sameSite() string {
	if h.cookieSecure {
		return fiber.CookieSameSiteNoneMode
	}
	return fiber.CookieSameSiteLaxMode
}
