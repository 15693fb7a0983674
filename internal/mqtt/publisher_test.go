package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/locking"
	"github.com/trialvault/trialvault/internal/observability/metrics"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.Called(ctx, topic, payload).Error(0)
}

func (m *mockClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockClient) Disconnect() {
	m.Called()
}

func TestPublisherSendsEventToActionTopic(t *testing.T) {
	t.Parallel()
	mm, err := metrics.NewMQTTMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	c := &mockClient{}
	var payload []byte
	c.On("Publish", mock.Anything, "trialvault/locks/lock", mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(2).([]byte) }).
		Return(nil).Once()

	p := NewPublisher(c, "trialvault/locks", mm)
	err = p.Publish(context.Background(), &locking.Event{
		Action:    locking.ActionLock,
		Path:      "/trial/A",
		Actor:     "dr.jones",
		Forced:    true,
		Nodes:     []string{"/trial/A", "/forms/fa"},
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("EET", 2*3600)),
	})
	require.NoError(t, err)
	c.AssertExpectations(t)

	var body map[string]any
	require.NoError(t, json.Unmarshal(payload, &body))
	assert.Equal(t, "lock", body["action"])
	assert.Equal(t, "/trial/A", body["path"])
	assert.Equal(t, "dr.jones", body["actor"])
	assert.Equal(t, true, body["forced"])
	assert.Equal(t, []any{"/trial/A", "/forms/fa"}, body["nodes"])
	assert.Equal(t, []any{}, body["halted"], "empty list rather than null")
	assert.Equal(t, "2026-03-14T07:26:53Z", body["timestamp"])

	assert.Equal(t, float64(1), testutil.ToFloat64(mm.MessagesDelivered.WithLabelValues("lock")))
}

func TestPublisherReturnsClientError(t *testing.T) {
	t.Parallel()
	c := &mockClient{}
	c.On("Publish", mock.Anything, "site/unlock", mock.Anything).
		Return(errors.NewStd("not connected")).Once()

	p := NewPublisher(c, "site", nil)
	assert.Equal(t, "site/unlock", p.Topic(locking.ActionUnlock))

	err := p.Publish(context.Background(), &locking.Event{Action: locking.ActionUnlock, Path: "/trial/E"})
	require.Error(t, err)
	c.AssertExpectations(t)
}
