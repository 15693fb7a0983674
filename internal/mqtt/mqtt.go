// Package mqtt publishes lock events to an MQTT broker. Events of each
// action go to <topic>/lock and <topic>/unlock; <topic>/status carries a
// retained "online" or "offline" so consumers can tell a quiet service
// from a dead one.
package mqtt

import (
	"context"
	"time"

	"github.com/trialvault/trialvault/internal/conf"
)

// Client is a broker connection. Publish fails fast while disconnected;
// events are not queued at this level.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// Status payloads on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Retain   bool

	ReconnectCooldown time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// StatusTopic is where the connection state is retained.
func (c Config) StatusTopic() string {
	return c.Topic + "/status"
}

func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings applies the mqtt settings section over DefaultConfig.
func ConfigFromSettings(s *conf.MQTTSettings) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.Broker
	cfg.ClientID = s.ClientID
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.Topic = s.Topic
	cfg.QoS = s.QoS
	cfg.Retain = s.Retain
	return cfg
}
