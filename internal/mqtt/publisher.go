package mqtt

import (
	"context"
	"encoding/json"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/locking"
	"github.com/trialvault/trialvault/internal/observability/metrics"
)

// Publisher sends lock events to <prefix>/lock and <prefix>/unlock.
type Publisher struct {
	client  Client
	prefix  string
	metrics *metrics.MQTTMetrics
}

var _ locking.Publisher = (*Publisher)(nil)

// NewPublisher returns a Publisher writing through c under topic prefix.
func NewPublisher(c Client, prefix string, m *metrics.MQTTMetrics) *Publisher {
	return &Publisher{client: c, prefix: prefix, metrics: m}
}

// Name identifies the publisher as an event bus consumer.
func (p *Publisher) Name() string { return "mqtt" }

// Topic returns the topic events of action are published to.
func (p *Publisher) Topic(action locking.Action) string {
	return p.prefix + "/" + string(action)
}

// Publish implements locking.Publisher.
func (p *Publisher) Publish(ctx context.Context, event *locking.Event) error {
	payload, err := json.Marshal(NewLockEventDTO(event))
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncrementErrors("encode")
		}
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("path", event.Path).
			Build()
	}

	if err := p.client.Publish(ctx, p.Topic(event.Action), payload); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.IncrementMessagesDelivered(string(event.Action))
	}
	return nil
}
