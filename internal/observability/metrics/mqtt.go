package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics covers delivery of lock events to the broker.
type MQTTMetrics struct {
	collectorSet

	ConnectionStatus  prometheus.Gauge
	LastConnectTime   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	MessagesDelivered *prometheus.CounterVec // action
	Errors            *prometheus.CounterVec // operation: connect, publish, encode, connection_lost
	MessageSize       prometheus.Histogram
	PublishLatency    prometheus.Histogram
}

func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connection_status",
			Help: "1 while connected to the broker, 0 otherwise",
		}),
		LastConnectTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_last_connect_time_seconds",
			Help: "Unix time of the last successful broker connection",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_reconnect_attempts_total",
			Help: "Automatic reconnection attempts",
		}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_messages_delivered_total",
			Help: "Lock events acknowledged by the broker",
		}, []string{"action"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_errors_total",
			Help: "Failed broker operations",
		}, []string{"operation"}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_message_size_bytes",
			Help:    "Size of published lock event payloads",
			Buckets: payloadBuckets,
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_publish_latency_seconds",
			Help:    "Time until the broker acknowledged a publish",
			Buckets: publishBuckets,
		}),
	}
	m.collectorSet = collectorSet{
		m.ConnectionStatus, m.LastConnectTime, m.ReconnectAttempts,
		m.MessagesDelivered, m.Errors, m.MessageSize, m.PublishLatency,
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

// UpdateConnectionStatus sets the status gauge; a connect also stamps
// LastConnectTime.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if !connected {
		m.ConnectionStatus.Set(0)
		return
	}
	m.ConnectionStatus.Set(1)
	m.LastConnectTime.SetToCurrentTime()
}

func (m *MQTTMetrics) IncrementMessagesDelivered(action string) {
	m.MessagesDelivered.WithLabelValues(action).Inc()
}

func (m *MQTTMetrics) IncrementErrors(operation string) {
	m.Errors.WithLabelValues(operation).Inc()
}

func (m *MQTTMetrics) IncrementReconnectAttempts() {
	m.ReconnectAttempts.Inc()
}

func (m *MQTTMetrics) ObserveMessageSize(sizeBytes float64) {
	m.MessageSize.Observe(sizeBytes)
}

// StartPublishTimer starts timing one publish.
func (m *MQTTMetrics) StartPublishTimer() *prometheus.Timer {
	return prometheus.NewTimer(m.PublishLatency)
}
