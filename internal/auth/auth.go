// Package auth implements the authenticate/register capability on top of a
// UserStore with bcrypt password hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/Caesarsage/chatroom/internal/metrics"
	"github.com/Caesarsage/chatroom/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrEmptyPassword      = errors.New("password must not be empty")
	ErrPasswordTooLong    = errors.New("password too long")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

// Service verifies and registers users.
type Service struct {
	users store.UserStore
	cost  int
}

// NewService returns a Service hashing with the given bcrypt cost. A cost
// outside bcrypt's accepted range falls back to bcrypt.DefaultCost.
func NewService(users store.UserStore, cost int) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Service{users: users, cost: cost}
}

// ValidUsername reports whether name is acceptable as a username.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Authenticate reports whether password matches the stored hash. An unknown
// user is not an error.
func (s *Service) Authenticate(ctx context.Context, username, password string) (bool, error) {
	hash, err := s.users.PasswordHash(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		metrics.AuthAttempts.WithLabelValues("login", "unknown_user").Inc()
		return false, nil
	}
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("login", "error").Inc()
		return false, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		metrics.AuthAttempts.WithLabelValues("login", "bad_password").Inc()
		return false, nil
	}
	metrics.AuthAttempts.WithLabelValues("login", "ok").Inc()
	return true, nil
}

// Register hashes password and stores a new user. A taken name returns
// store.ErrUserExists.
func (s *Service) Register(ctx context.Context, username, password string) error {
	if !ValidUsername(username) {
		return ErrInvalidUsername
	}
	if password == "" {
		return ErrEmptyPassword
	}
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.CreateUser(ctx, username, string(hash)); err != nil {
		metrics.AuthAttempts.WithLabelValues("register", "rejected").Inc()
		return err
	}
	metrics.AuthAttempts.WithLabelValues("register", "ok").Inc()
	return nil
}
