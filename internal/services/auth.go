package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"tasksync/backend/internal/models"
	"tasksync/backend/internal/repositories"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer       = "tasksync"
	usernameMaxLength = 50
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the JWT payload. UserID is the only identity the API trusts.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type AuthService interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (string, *models.User, error)
	VerifyToken(token string) (uuid.UUID, error)
}

type AuthServiceConfig struct {
	Users             *repositories.UserRepository
	Secret            string
	TokenTTL          time.Duration
	BCryptCost        int
	UsernameMinLength int
	PasswordMinLength int
	Logger            *slog.Logger
	Now               func() time.Time
}

type AuthServiceImpl struct {
	users       *repositories.UserRepository
	secret      []byte
	ttl         time.Duration
	cost        int
	usernameMin int
	passwordMin int
	logger      *slog.Logger
	now         func() time.Time
}

func NewAuthService(cfg AuthServiceConfig) *AuthServiceImpl {
	s := &AuthServiceImpl{
		users:       cfg.Users,
		secret:      []byte(cfg.Secret),
		ttl:         cfg.TokenTTL,
		cost:        cfg.BCryptCost,
		usernameMin: cfg.UsernameMinLength,
		passwordMin: cfg.PasswordMinLength,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if s.ttl <= 0 {
		s.ttl = 30 * 24 * time.Hour
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.usernameMin <= 0 {
		s.usernameMin = 3
	}
	if s.passwordMin <= 0 {
		s.passwordMin = 6
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if n := utf8.RuneCountInString(username); n < s.usernameMin || n > usernameMaxLength {
		return nil, validationError("Username must be between %d and %d characters", s.usernameMin, usernameMaxLength)
	}
	if utf8.RuneCountInString(password) < s.passwordMin {
		return nil, validationError("Password must be at least %d characters", s.passwordMin)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{Username: username, PasswordHash: string(hash)}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrDuplicateUsername) {
			return nil, conflictError("Username already taken")
		}
		return nil, err
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Login checks the credentials and issues a signed token. Unknown usernames and
// wrong passwords are indistinguishable to the caller.
func (s *AuthServiceImpl) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	user, err := s.users.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", nil, unauthorizedError("Invalid credentials")
		}
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, unauthorizedError("Invalid credentials")
	}

	token, err := s.generateToken(user.ID)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *AuthServiceImpl) generateToken(userID uuid.UUID) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates the signature and expiry and returns the user id.
func (s *AuthServiceImpl) VerifyToken(tokenString string) (uuid.UUID, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpiredToken
		}
		return uuid.Nil, ErrInvalidToken
	}
	if !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	id, err := uuid.FromString(claims.UserID)
	if err != nil || id.IsNil() {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}
