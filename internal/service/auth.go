package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/akarpov/markvault/internal/middleware"
	"github.com/akarpov/markvault/internal/repository"
)

// ErrBadCredentials is returned for an unknown login or a wrong
// password. The two cases are deliberately indistinguishable.
var ErrBadCredentials = errors.New("invalid login or password")

// AuthRepository defines the persistence operations required by the
// authentication service.
type AuthRepository interface {
	// UserExists returns true if a user with the given login exists.
	UserExists(ctx context.Context, login string) (bool, error)
	// CreateUser creates a new account row.
	CreateUser(ctx context.Context, id, login, passwordHash string) error
	// GetUserByLogin returns the account id and stored password hash.
	GetUserByLogin(ctx context.Context, login string) (id, passwordHash string, err error)
}

// AuthService implements registration and login, issuing JWT bearer
// tokens carrying the owner id.
type AuthService struct {
	repo     AuthRepository
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthService constructs an AuthService signing tokens with secret.
func NewAuthService(repo AuthRepository, secret []byte, tokenTTL time.Duration) *AuthService {
	return &AuthService{repo: repo, secret: secret, tokenTTL: tokenTTL}
}

// Register creates an account and returns a fresh bearer token.
func (s *AuthService) Register(ctx context.Context, login, password string) (string, error) {
	if login == "" || password == "" {
		return "", fmt.Errorf("%w: empty login or password", ErrValidation)
	}
	exists, err := s.repo.UserExists(ctx, login)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: login already taken", ErrValidation)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.repo.CreateUser(ctx, id, login, hash); err != nil {
		return "", err
	}
	return s.issueToken(id)
}

// Login verifies credentials and returns a fresh bearer token.
func (s *AuthService) Login(ctx context.Context, login, password string) (string, error) {
	id, hash, err := s.repo.GetUserByLogin(ctx, login)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrBadCredentials
	}
	if err != nil {
		return "", err
	}
	ok, err := VerifyPassword(password, hash)
	if err != nil || !ok {
		return "", ErrBadCredentials
	}
	return s.issueToken(id)
}

func (s *AuthService) issueToken(ownerID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		OwnerID: ownerID,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
