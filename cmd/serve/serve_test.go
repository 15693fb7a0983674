package serve

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/testutil"
)

type mockMQTTClient struct {
	mock.Mock
}

func (m *mockMQTTClient) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockMQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.Called(ctx, topic, payload).Error(0)
}

func (m *mockMQTTClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockMQTTClient) Disconnect() {
	m.Called()
}

func TestMaintainMQTTRetriesUntilConnected(t *testing.T) {
	t.Parallel()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)

	client := &mockMQTTClient{}
	client.On("IsConnected").Return(false)
	client.On("Connect", mock.Anything).Return(errors.NewStd("connection refused")).Once()
	client.On("Connect", mock.Anything).Return(nil).Once()

	done := make(chan struct{})
	go func() {
		maintainMQTT(t.Context(), client, 10*time.Millisecond, log)
		close(done)
	}()

	testutil.WaitForChannel(t, done, testutil.DefaultTestTimeout, "maintainMQTT did not return after connecting")
	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "Connect", 2)
	client.AssertNotCalled(t, "Disconnect")
}

func TestMaintainMQTTStopsWhileRetrying(t *testing.T) {
	t.Parallel()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)

	client := &mockMQTTClient{}
	client.On("IsConnected").Return(false)
	client.On("Connect", mock.Anything).Return(errors.NewStd("connection refused"))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	maintainMQTT(ctx, client, time.Hour, log)

	client.AssertNumberOfCalls(t, "Connect", 1)
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()
	settings := testSettings(t)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, settings, "test")
	}()

	testutil.NeverReceives(t, errCh, 200*time.Millisecond, "Run returned before cancel")
	cancel()

	err := testutil.WaitForChannel(t, errCh, 10*time.Second, "Run did not return after cancel")
	require.NoError(t, err)
}

func TestRunRejectsUnknownPrecondition(t *testing.T) {
	t.Parallel()
	settings := testSettings(t)
	settings.Locking.Preconditions = []string{"no-such-check"}

	err := Run(t.Context(), settings, "test")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.Contains(t, err.Error(), "no-such-check")
}

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	return &conf.Settings{
		Database: conf.DatabaseSettings{
			Type: conf.DatabaseSQLite,
			Path: filepath.Join(t.TempDir(), "content.db"),
		},
		WebServer: conf.WebServerSettings{
			Listen:          "127.0.0.1:0",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: time.Second,
		},
		Locking: conf.LockingSettings{
			Preconditions: []string{"incomplete-forms"},
			AllowForce:    true,
		},
		Metrics: conf.MetricsSettings{Enabled: true, Path: "/metrics"},
	}
}
