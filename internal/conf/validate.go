// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/trialvault/trialvault/internal/errors"
)

// Supported database backends
const (
	DatabaseSQLite = "sqlite"
	DatabaseMySQL  = "mysql"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ErrorCategory lets the errors package classify ValidationError without a wrapper.
func (ve ValidationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryValidation
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		validateDatabaseSettings,
		validateWebServerSettings,
		validateAuthSettings,
		validateLockingSettings,
		validateMQTTSettings,
		validateSentrySettings,
	}
	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(s *Settings) error {
	switch s.Database.Type {
	case DatabaseSQLite:
		if s.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case DatabaseMySQL:
		if s.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("database.type must be %q or %q, got %q", DatabaseSQLite, DatabaseMySQL, s.Database.Type)
	}
	if s.Database.SlowThreshold < 0 {
		return fmt.Errorf("database.slowthreshold must not be negative")
	}
	return nil
}

func validateWebServerSettings(s *Settings) error {
	if _, _, err := net.SplitHostPort(s.WebServer.Listen); err != nil {
		return fmt.Errorf("webserver.listen %q is not a host:port address: %w", s.WebServer.Listen, err)
	}
	if s.WebServer.RateLimit < 0 {
		return fmt.Errorf("webserver.ratelimit must not be negative")
	}
	if s.WebServer.RateLimit > 0 && s.WebServer.RateBurst < 1 {
		return fmt.Errorf("webserver.rateburst must be at least 1 when rate limiting is enabled")
	}
	if s.WebServer.ShutdownTimeout < time.Second {
		return fmt.Errorf("webserver.shutdowntimeout must be at least 1s")
	}
	return nil
}

func validateAuthSettings(s *Settings) error {
	if !s.Auth.Enabled {
		return nil
	}
	if len(s.Auth.Users) == 0 {
		return fmt.Errorf("auth.users must not be empty when auth is enabled")
	}
	for user, hash := range s.Auth.Users {
		// bcrypt hashes carry a $2a$, $2b$ or $2y$ prefix
		if !strings.HasPrefix(hash, "$2") {
			return fmt.Errorf("auth.users.%s must be a bcrypt hash", user)
		}
	}
	return nil
}

func validateLockingSettings(s *Settings) error {
	if s.Locking.ServicePrincipal == "" {
		return fmt.Errorf("locking.serviceprincipal must not be empty")
	}
	seen := make(map[string]bool, len(s.Locking.Preconditions))
	for _, name := range s.Locking.Preconditions {
		if seen[name] {
			return fmt.Errorf("locking.preconditions lists %q twice", name)
		}
		seen[name] = true
	}
	return nil
}

func validateMQTTSettings(s *Settings) error {
	if !s.MQTT.Enabled {
		return nil
	}
	u, err := url.Parse(s.MQTT.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("mqtt.broker %q must be a URL such as tcp://host:1883", s.MQTT.Broker)
	}
	if s.MQTT.Topic == "" || strings.ContainsAny(s.MQTT.Topic, "#+") {
		return fmt.Errorf("mqtt.topic must be a non-empty topic without wildcards")
	}
	if s.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func validateSentrySettings(s *Settings) error {
	if !s.Sentry.Enabled {
		return nil
	}
	if s.Sentry.DSN == "" {
		return fmt.Errorf("sentry.dsn is required when sentry is enabled")
	}
	if s.Sentry.SampleRate < 0 || s.Sentry.SampleRate > 1 {
		return fmt.Errorf("sentry.samplerate must be between 0 and 1")
	}
	return nil
}
