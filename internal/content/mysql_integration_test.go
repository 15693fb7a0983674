//go:build integration

package content

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/trialvault/trialvault/internal/logger"
)

// TestMySQLRepository runs the store against a real MySQL server to cover
// dialect differences: upserts, LIKE escaping and unchanged-row updates.
func TestMySQLRepository(t *testing.T) {
	ctx := context.Background()

	ctr, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("trialvault"),
		tcmysql.WithUsername("trialvault"),
		tcmysql.WithPassword("trialvault"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "parseTime=true", "charset=utf8mb4")
	require.NoError(t, err)

	repo, err := Open(Config{
		Type:          "mysql",
		DSN:           dsn,
		SlowThreshold: time.Second,
		MaxOpenConns:  4,
	}, logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	seedTestFixture(t, repo)

	s := repo.ServiceLogin("svc")
	defer s.Logout()

	f1, err := s.GetNode(ctx, "/forms/f1")
	require.NoError(t, err)
	require.NoError(t, s.Checkout(ctx, f1))
	require.NoError(t, s.Checkout(ctx, f1))
	require.NoError(t, s.SetProperty(ctx, f1, PropStatusFlags, "REVIEWED", "LOCKED"))
	require.NoError(t, s.Save(ctx))
	version, err := s.Checkin(ctx, f1)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	s1, err := s.GetNode(ctx, "/subjects/s1")
	require.NoError(t, err)
	referrers, err := s.References(ctx, s1, PropSubject)
	require.NoError(t, err)
	require.Len(t, referrers, 1)
	assert.Equal(t, []string{"REVIEWED", "LOCKED"}, referrers[0].Values(PropStatusFlags))

	subjects, err := s.GetNode(ctx, "/subjects")
	require.NoError(t, err)
	require.NoError(t, s.RemoveNode(ctx, subjects))
	require.NoError(t, s.Save(ctx))
	_, err = s.GetNode(ctx, "/subjects/s1/s2")
	require.ErrorIs(t, err, ErrNotFound)
}
