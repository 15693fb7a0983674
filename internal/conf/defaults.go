// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers every configuration key with its default value.
// Keys without a default are invisible to AutomaticEnv during Unmarshal.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", true)
	v.SetDefault("logging.file_output.path", "logs/trialvault.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("database.type", DatabaseSQLite)
	v.SetDefault("database.path", "trialvault.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.slowthreshold", 200*time.Millisecond)
	v.SetDefault("database.maxopenconns", 10)

	v.SetDefault("webserver.listen", ":8080")
	v.SetDefault("webserver.readtimeout", 15*time.Second)
	v.SetDefault("webserver.writetimeout", 30*time.Second)
	v.SetDefault("webserver.shutdowntimeout", 10*time.Second)
	v.SetDefault("webserver.ratelimit", 20.0)
	v.SetDefault("webserver.rateburst", 40)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.users", map[string]string{})

	v.SetDefault("locking.preconditions", []string{"incomplete-forms"})
	v.SetDefault("locking.allowforce", true)
	v.SetDefault("locking.serviceprincipal", "lock-service")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "trialvault")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "trialvault/locks")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.samplerate", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("client.url", "http://localhost:8080")
	v.SetDefault("client.username", "")
	v.SetDefault("client.password", "")
	v.SetDefault("client.timeout", 30*time.Second)
}
