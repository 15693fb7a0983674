// Package conf loads trialvault settings from config.yaml, TRIALVAULT_* environment
// variables and built-in defaults.
package conf

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. TRIALVAULT_DATABASE_PATH for database.path.
const EnvPrefix = "TRIALVAULT"

// Settings contains all configuration options for trialvault.
type Settings struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`

	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Database  DatabaseSettings     `mapstructure:"database" yaml:"database"`
	WebServer WebServerSettings    `mapstructure:"webserver" yaml:"webserver"`
	Auth      AuthSettings         `mapstructure:"auth" yaml:"auth"`
	Locking   LockingSettings      `mapstructure:"locking" yaml:"locking"`
	MQTT      MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	Sentry    SentrySettings       `mapstructure:"sentry" yaml:"sentry"`
	Metrics   MetricsSettings      `mapstructure:"metrics" yaml:"metrics"`
	Client    ClientSettings       `mapstructure:"client" yaml:"client"`
}

// DatabaseSettings selects the content store backend.
type DatabaseSettings struct {
	Type          string        `mapstructure:"type" yaml:"type"`                   // sqlite or mysql
	Path          string        `mapstructure:"path" yaml:"path"`                   // sqlite database file
	DSN           string        `mapstructure:"dsn" yaml:"dsn"`                     // mysql data source name
	SlowThreshold time.Duration `mapstructure:"slowthreshold" yaml:"slowthreshold"` // queries slower than this are logged at WARN
	MaxOpenConns  int           `mapstructure:"maxopenconns" yaml:"maxopenconns"`
}

// WebServerSettings configures the HTTP lock endpoint.
type WebServerSettings struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ReadTimeout     time.Duration `mapstructure:"readtimeout" yaml:"readtimeout"`
	WriteTimeout    time.Duration `mapstructure:"writetimeout" yaml:"writetimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdowntimeout" yaml:"shutdowntimeout"`
	RateLimit       float64       `mapstructure:"ratelimit" yaml:"ratelimit"` // requests per second per client, 0 disables
	RateBurst       int           `mapstructure:"rateburst" yaml:"rateburst"`
}

// AuthSettings configures HTTP basic authentication. Users maps a user name
// to its bcrypt password hash. Viper lowercases map keys, so user names are
// case-insensitive.
type AuthSettings struct {
	Enabled bool              `mapstructure:"enabled" yaml:"enabled"`
	Users   map[string]string `mapstructure:"users" yaml:"users"`
}

// LockingSettings configures the lock manager.
type LockingSettings struct {
	Preconditions    []string `mapstructure:"preconditions" yaml:"preconditions"`       // enabled precondition plugins, in evaluation order
	AllowForce       bool     `mapstructure:"allowforce" yaml:"allowforce"`             // whether the HTTP endpoint honours force=true
	ServicePrincipal string   `mapstructure:"serviceprincipal" yaml:"serviceprincipal"` // identity of the lock manager's own sessions
}

// MQTTSettings configures lock event publishing.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"clientid" yaml:"clientid"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Topic    string `mapstructure:"topic" yaml:"topic"` // prefix; events go to <topic>/lock and <topic>/unlock
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
	Retain   bool   `mapstructure:"retain" yaml:"retain"`
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	DSN         string  `mapstructure:"dsn" yaml:"dsn"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
	SampleRate  float64 `mapstructure:"samplerate" yaml:"samplerate"`
}

// MetricsSettings configures the prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ClientSettings are used by the lock, unlock and status CLI commands.
type ClientSettings struct {
	URL      string        `mapstructure:"url" yaml:"url"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configFile (or config.yaml from the default search paths when
// empty), applies environment overrides and defaults, and validates the result.
// A missing config file is not an error; defaults apply.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		// An explicitly named file must exist
		if _, err := os.Stat(configFile); err != nil {
			return nil, errors.New(err).
				Component("configuration").
				Category(errors.CategoryConfiguration).
				Context("operation", "stat_config").
				Build()
		}
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range DefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.New(err).
				Component("configuration").
				Category(errors.CategoryConfiguration).
				Context("operation", "read_config").
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// GetSettings returns the most recently loaded settings, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// DefaultConfigPaths returns the directories searched for config.yaml, in order.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "trialvault"))
	}
	return append(paths, "/etc/trialvault")
}
