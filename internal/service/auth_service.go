package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/auth"
	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/id"
	"github.com/spec-kit/helpdesk-service/internal/idempotency"
	"github.com/spec-kit/helpdesk-service/internal/repository"
	apperrors "github.com/spec-kit/helpdesk-service/pkg/util/errorutil"
)

// AuthService coordinates registration and login flows.
type AuthService struct {
	users       repository.UserRepository
	idempotency idempotency.Store
	tokenMgr    *auth.TokenManager
	logger      *zap.Logger
	now         func() time.Time
	bcryptCost  int
}

// AuthDependencies encapsulates collaborators for the auth service.
type AuthDependencies struct {
	UserRepo     repository.UserRepository
	Idempotency  idempotency.Store
	TokenManager *auth.TokenManager
	Logger       *zap.Logger
	Clock        func() time.Time
}

// RegisterInput is the registration payload.
type RegisterInput struct {
	FullName       string
	Email          string
	Password       string
	Role           domain.Role
	IdempotencyKey string
}

// RegisterResult carries the issued session and the serialized response. A replay carries
// only Body.
type RegisterResult struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
	Body      []byte
	Replayed  bool
}

// UserEnvelope is the success body for registration and login.
type UserEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		User *domain.User `json:"user"`
	} `json:"data"`
}

// NewAuthService builds the service.
func NewAuthService(cfg config.AuthConfig, deps AuthDependencies) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tokens := deps.TokenManager
	if tokens == nil {
		tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL())
	}
	return &AuthService{
		users:       deps.UserRepo,
		idempotency: deps.Idempotency,
		tokenMgr:    tokens,
		logger:      logger,
		now:         clock,
		bcryptCost:  cfg.BcryptCost,
	}
}

// Register creates an account and issues a session token.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	key := strings.TrimSpace(input.IdempotencyKey)
	if key != "" && s.idempotency != nil {
		body, ok, err := s.idempotency.Lookup(ctx, key)
		if err != nil {
			s.logger.Warn("idempotency lookup failed; proceeding without replay", zap.String("idempotency_key", key), zap.Error(err))
		} else if ok {
			return &RegisterResult{Body: body, Replayed: true}, nil
		}
	}

	fullName := strings.TrimSpace(input.FullName)
	email := strings.ToLower(strings.TrimSpace(input.Email))
	missing := []string{}
	if fullName == "" {
		missing = append(missing, "fullname")
	}
	if email == "" {
		missing = append(missing, "email")
	}
	if input.Password == "" {
		missing = append(missing, "password")
	}
	if input.Role == "" {
		missing = append(missing, "role")
	}
	if len(missing) > 0 {
		return nil, apperrors.NewValidationError("missing required fields", map[string]any{"fields": missing})
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperrors.NewValidationError("invalid email address", map[string]any{"field": "email"})
	}
	if !input.Role.Valid() {
		return nil, apperrors.NewValidationError("role must be one of: user, agent, admin", map[string]any{"field": "role"})
	}
	if !auth.IsStrongPassword(input.Password) {
		return nil, apperrors.NewValidationError(
			"password must be at least 8 characters and include uppercase, lowercase, number and special character",
			map[string]any{"field": "password"})
	}

	hash, err := auth.HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	now := s.now()
	user := &domain.User{
		ID:           id.New(),
		FullName:     fullName,
		Email:        email,
		PasswordHash: hash,
		Role:         input.Role,
		Status:       domain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, apperrors.NewConflict("a user with this email already exists", map[string]any{"field": "email"})
		}
		return nil, mapRepositoryError(s.logger, err, "user", user.ID)
	}

	token, exp, err := s.tokenMgr.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	body, err := json.Marshal(NewUserEnvelope("User registered successfully", user))
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.Save(ctx, key, body); err != nil && !errors.Is(err, idempotency.ErrDuplicateKey) {
			s.logger.Error("idempotency record failed; a retry may create a duplicate", zap.String("idempotency_key", key), zap.Error(err))
		}
	}
	return &RegisterResult{User: user, Token: token, ExpiresAt: exp, Body: body}, nil
}

// Login authenticates by e-mail and password.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.User, string, time.Time, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, "", time.Time{}, apperrors.NewValidationError("email and password are required", nil)
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", time.Time{}, apperrors.NewUnauthorized("email or password is incorrect")
		}
		return nil, "", time.Time{}, mapRepositoryError(s.logger, err, "user", "")
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", time.Time{}, apperrors.NewUnauthorized("email or password is incorrect")
	}
	if user.Status != domain.UserStatusActive {
		return nil, "", time.Time{}, apperrors.NewForbidden("account is not active")
	}
	token, exp, err := s.tokenMgr.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, "", time.Time{}, apperrors.NewInternalError(err)
	}
	return user, token, exp, nil
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}

// NewUserEnvelope builds the registration/login success body.
func NewUserEnvelope(message string, user *domain.User) UserEnvelope {
	var env UserEnvelope
	env.Success = true
	env.Message = message
	env.Data.User = user
	return env
}
