package content

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/trialvault/trialvault/internal/logger"
)

// newTestRepository returns a repository over a private in-memory database.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	// Shared cache keeps the memory database alive across pooled connections;
	// a single connection serialises writers the way a file database would.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo, err := NewRepository(db, logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

const testFixture = `
nodes:
  - path: /subjects/s1
    type: Subject
  - path: /subjects/s1/s2
    type: Subject
  - path: /forms/f1
    type: Form
    properties:
      statusFlags: [REVIEWED]
    references:
      subject: /subjects/s1
  - path: /forms/f2
    type: Form
    references:
      subject: /subjects/s1/s2
`

func seedTestFixture(t *testing.T, repo *Repository) {
	t.Helper()
	f, err := ParseFixture(strings.NewReader(testFixture))
	require.NoError(t, err)
	_, err = repo.LoadFixture(context.Background(), f, "seeder")
	require.NoError(t, err)
}

// denyAll rejects every write and records what it was asked.
type denyAll struct {
	requests []*WriteRequest
}

func (d *denyAll) Name() string { return "deny-all" }

func (d *denyAll) Check(_ context.Context, req *WriteRequest) error {
	d.requests = append(d.requests, req)
	return Deny(d.Name(), req, "read only")
}
