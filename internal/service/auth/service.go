// Package auth handles user accounts and bearer-token authentication.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/repository"
	"github.com/itkpi/hawkeye-central/internal/service/nodestore"
	"github.com/itkpi/hawkeye-central/internal/service/validation"
	"github.com/itkpi/hawkeye-central/pkg/config"
	"github.com/itkpi/hawkeye-central/pkg/crypto"
	jwtpkg "github.com/itkpi/hawkeye-central/pkg/jwt"
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{users: users, logger: logger.With("component", "auth_service"), cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

var errBadCredentials = errors.New("invalid email or password")

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	const op = "auth.Signup"
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validation.Struct(op, credentials{Email: email, Password: password}); err != nil {
		return nil, TokenPair{}, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, apperr.Wrap(apperr.Internal, op, err)
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, TokenPair{}, apperr.E(apperr.Conflict, op, "email already registered")
		}
		return nil, TokenPair{}, nodestore.Classify(op, err)
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, apperr.Wrap(apperr.Internal, op, err)
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	const op = "auth.Login"
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, apperr.Wrap(apperr.Unauthorized, op, errBadCredentials)
		}
		return nil, TokenPair{}, nodestore.Classify(op, err)
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, apperr.Wrap(apperr.Unauthorized, op, errBadCredentials)
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, apperr.Wrap(apperr.Internal, op, err)
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	const op = "auth.Refresh"
	user, _, err := s.verify(ctx, op, refreshToken, jwtpkg.KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.Internal, op, err)
	}
	return tokens, nil
}

// Authorize validates an access token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	return s.verify(ctx, "auth.Authorize", token, jwtpkg.KindAccess)
}

func (s Service) verify(ctx context.Context, op, token string, kind jwtpkg.Kind) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, apperr.E(apperr.Unauthorized, op, "token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret, kind)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Unauthorized, op, err)
	}
	user, err := s.users.FindUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apperr.Wrap(apperr.Unauthorized, op, err)
		}
		return nil, nil, nodestore.Classify(op, err)
	}
	return user, claims, nil
}

func (s Service) issueTokens(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, jwtpkg.KindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, jwtpkg.KindRefresh, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
