// internal/api/auth/service.go
package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
)

// GetLogger returns the auth package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("auth")
}

// Sentinel errors for authentication failures.
var (
	ErrInvalidCredentials = errors.NewStd("invalid credentials")
	ErrBasicAuthDisabled  = errors.NewStd("basic authentication is disabled")
)

// AuthMethod represents the type of authentication used
type AuthMethod int

const (
	AuthMethodUnknown AuthMethod = iota
	AuthMethodNone               // authentication disabled
	AuthMethodBasicAuth
)

func (m AuthMethod) String() string {
	switch m {
	case AuthMethodNone:
		return "none"
	case AuthMethodBasicAuth:
		return "basic"
	default:
		return "unknown"
	}
}

// Service defines the authentication interface for API endpoints
type Service interface {
	// IsAuthRequired reports whether requests must carry credentials.
	IsAuthRequired() bool

	// AuthenticateBasic checks a user name and password.
	// Returns ErrInvalidCredentials on mismatch.
	AuthenticateBasic(username, password string) error
}

// dummyHash is compared against when the user is unknown so that unknown
// and known users take the same time to reject.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z5N7nM5bS9lC2G5nR6n1C0r6")

// BasicService authenticates against the bcrypt hashes in conf.AuthSettings.
type BasicService struct {
	enabled bool
	users   map[string][]byte
}

// NewBasicService creates a Service from the auth settings. User names are
// matched case-insensitively.
func NewBasicService(settings *conf.AuthSettings) *BasicService {
	users := make(map[string][]byte, len(settings.Users))
	for name, hash := range settings.Users {
		users[strings.ToLower(name)] = []byte(hash)
	}
	return &BasicService{enabled: settings.Enabled, users: users}
}

func (s *BasicService) IsAuthRequired() bool {
	return s.enabled
}

func (s *BasicService) AuthenticateBasic(username, password string) error {
	if !s.enabled {
		return ErrBasicAuthDisabled
	}
	hash, ok := s.users[strings.ToLower(username)]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
