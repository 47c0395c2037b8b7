package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/linemk/shop-orders/internal/domain/models"
	security "github.com/linemk/shop-orders/internal/jwt-new"
	"github.com/linemk/shop-orders/internal/storage"
)

type AuthServiceInterface interface {
	Register(ctx context.Context, email, password, name string) (string, error)
	Login(ctx context.Context, email, password string) (string, error)
}

type AuthService struct {
	log       *slog.Logger
	userRepo  storage.UserStorage
	jwtSecret string
	tokenTTL  time.Duration
}

func NewAuthService(log *slog.Logger, userRepo storage.UserStorage, jwtSecret string, tokenTTL time.Duration) *AuthService {
	return &AuthService{
		log:       log,
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// Register создаёт покупателя (не администратора) и сразу выдаёт токен.
// Пароль хэшируется bcrypt, соль добавляется автоматически.
func (a *AuthService) Register(ctx context.Context, email, password, name string) (string, error) {
	const op = "service.AuthService.Register"
	email = normalizeEmail(email)
	logger := a.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Error("failed to hash password", slog.Any("error", err))
		return "", fmt.Errorf("%s: failed to hash password: %w", op, err)
	}

	user, err := a.userRepo.CreateUser(ctx, &models.User{
		Email:    email,
		Name:     strings.TrimSpace(name),
		PassHash: passHash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			logger.Info("email already registered")
			return "", fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}
		logger.Error("failed to create user", slog.Any("error", err))
		return "", fmt.Errorf("%s: failed to create user: %w", op, err)
	}

	token, err := security.NewToken(ctx, user, a.jwtSecret, a.tokenTTL)
	if err != nil {
		logger.Error("failed to generate token", slog.Any("error", err))
		return "", fmt.Errorf("%s: failed to generate token: %w", op, err)
	}

	logger.Info("user registered", slog.Int64("userID", user.ID))
	return token, nil
}

// Login проверяет пароль и выдаёт JWT. Неизвестный email и неверный пароль неразличимы для клиента.
func (a *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	const op = "service.AuthService.Login"
	email = normalizeEmail(email)
	logger := a.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)

	user, err := a.userRepo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			logger.Warn("user not found")
			return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		logger.Error("failed to get user", slog.Any("error", err))
		return "", fmt.Errorf("%s: failed to get user: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		logger.Warn("invalid password")
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	token, err := security.NewToken(ctx, user, a.jwtSecret, a.tokenTTL)
	if err != nil {
		logger.Error("failed to generate token", slog.Any("error", err))
		return "", fmt.Errorf("%s: failed to generate token: %w", op, err)
	}

	logger.Info("user logged in successfully", slog.Int64("userID", user.ID))
	return token, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
