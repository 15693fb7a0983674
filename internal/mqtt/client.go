package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/observability/metrics"
	"github.com/trialvault/trialvault/internal/privacy"
)

type pahoClient struct {
	cfg     Config
	metrics *metrics.MQTTMetrics
	log     logger.Logger

	mu          sync.Mutex
	conn        paho.Client
	lastAttempt time.Time
}

// NewClient returns a paho-backed Client. m may be nil.
func NewClient(cfg Config, m *metrics.MQTTMetrics, log logger.Logger) Client {
	if log == nil {
		log = logger.Global().Module("mqtt")
	}
	return &pahoClient{cfg: cfg, metrics: m, log: log}
}

// Connect dials the broker once. Attempts closer together than the
// reconnect cooldown are refused; after a successful connect paho
// reconnects on its own.
func (c *pahoClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since := time.Since(c.lastAttempt); since < c.cfg.ReconnectCooldown {
		return c.connectError(errors.Newf("connection attempt too recent, last attempt was %v ago", since))
	}
	c.lastAttempt = time.Now()

	if err := c.resolveBroker(ctx); err != nil {
		return err
	}

	c.conn = paho.NewClient(c.options())
	token := c.conn.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		c.countError("connect")
		return c.connectError(errors.Newf("connection timeout after %v", c.cfg.ConnectTimeout))
	}
	if err := token.Error(); err != nil {
		c.countError("connect")
		return c.connectError(errors.New(err))
	}
	return nil
}

// resolveBroker validates the broker URL and looks up its host, so a
// misspelt name fails here rather than inside paho's retry loop.
func (c *pahoClient) resolveBroker(ctx context.Context) error {
	u, err := url.Parse(c.cfg.Broker)
	if err == nil && u.Hostname() == "" {
		err = errors.NewStd("missing host")
	}
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("broker", privacy.RedactURL(c.cfg.Broker)).
			Build()
	}

	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		c.countError("connect")
		return c.connectError(errors.New(err))
	}
	return nil
}

func (c *pahoClient) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetWill(c.cfg.StatusTopic(), StatusOffline, c.cfg.QoS, true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		if c.metrics != nil {
			c.metrics.IncrementReconnectAttempts()
		}
	})
	return opts
}

func (c *pahoClient) connectError(b *errors.ErrorBuilder) error {
	return b.Component("mqtt").
		Category(errors.CategoryMQTTConnection).
		Context("broker", privacy.RedactURL(c.cfg.Broker)).
		Build()
}

func (c *pahoClient) publishError(b *errors.ErrorBuilder, topic string) error {
	return b.Component("mqtt").
		Category(errors.CategoryMQTTPublish).
		Context("topic", topic).
		Build()
}

// Publish waits for the broker to acknowledge at the configured QoS, up to
// PublishTimeout or until ctx is done.
func (c *pahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		c.countError("publish")
		return c.publishError(errors.Newf("not connected to MQTT broker"), topic)
	}

	if c.metrics != nil {
		timer := c.metrics.StartPublishTimer()
		defer timer.ObserveDuration()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	token := c.conn.Publish(topic, c.cfg.QoS, c.cfg.Retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.countError("publish")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.Warn("publish timeout", logger.String("topic", topic))
			return c.publishError(errors.Newf("publish timeout after %v", c.cfg.PublishTimeout), topic)
		}
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		c.countError("publish")
		return c.publishError(errors.New(err), topic)
	}

	if c.metrics != nil {
		c.metrics.ObserveMessageSize(float64(len(payload)))
	}
	c.log.Debug("published", logger.String("topic", topic), logger.Int("bytes", len(payload)))
	return nil
}

func (c *pahoClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Disconnect retains "offline" on the status topic and closes the
// connection. The will only fires on an unclean disconnect.
func (c *pahoClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	if c.conn.IsConnected() {
		c.conn.Publish(c.cfg.StatusTopic(), c.cfg.QoS, true, StatusOffline).
			WaitTimeout(c.cfg.DisconnectTimeout)
	}
	c.conn.Disconnect(uint(c.cfg.DisconnectTimeout.Milliseconds()))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
	}
}

// onConnect runs on the first connect and after every reconnect.
func (c *pahoClient) onConnect(conn paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", privacy.RedactURL(c.cfg.Broker)))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(true)
	}
	// paho's callbacks run on its own goroutine; waiting here would block it.
	conn.Publish(c.cfg.StatusTopic(), c.cfg.QoS, true, StatusOnline)
}

func (c *pahoClient) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", privacy.RedactURL(c.cfg.Broker)),
		logger.Error(err))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
	}
	c.countError("connection_lost")
}

func (c *pahoClient) countError(operation string) {
	if c.metrics != nil {
		c.metrics.IncrementErrors(operation)
	}
}
