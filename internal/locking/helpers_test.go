package locking

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
	os.Exit(m.Run())
}

// trialFixture is the tree most tests run against:
//
//	/trial/A -> B -> C
//	/trial/A -> D
//	/trial/E
//
// with one Form referencing each Subject.
const trialFixture = `
nodes:
  - path: /trial/A
    type: Subject
  - path: /trial/A/B
    type: Subject
  - path: /trial/A/B/C
    type: Subject
  - path: /trial/A/D
    type: Subject
  - path: /trial/E
    type: Subject
  - path: /forms/fa
    type: Form
    properties:
      statusFlags: [REVIEWED]
    references:
      subject: /trial/A
  - path: /forms/fb
    type: Form
    references:
      subject: /trial/A/B
  - path: /forms/fc
    type: Form
    properties:
      statusFlags: [SIGNED, VERIFIED]
    references:
      subject: /trial/A/B/C
  - path: /forms/fd
    type: Form
    references:
      subject: /trial/A/D
  - path: /forms/fe
    type: Form
    references:
      subject: /trial/E
`

var testLog = logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)

type testEnv struct {
	repo    *content.Repository
	manager *Manager
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo, err := content.NewRepository(db, testLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	seed(t, repo, trialFixture)
	InstallRestrictions(repo)

	base := []Option{
		WithLogger(testLog),
		WithAuditLogger(testLog),
		WithPreconditions(IncompleteForms{}),
	}
	return &testEnv{
		repo:    repo,
		manager: NewManager(repo, append(base, opts...)...),
	}
}

func seed(t *testing.T, repo *content.Repository, fixture string) {
	t.Helper()
	f, err := content.ParseFixture(strings.NewReader(fixture))
	require.NoError(t, err)
	_, err = repo.LoadFixture(context.Background(), f, "seeder")
	require.NoError(t, err)
}

// node reads the committed state of p.
func (e *testEnv) node(t *testing.T, p string) *content.Node {
	t.Helper()
	s := e.repo.Login("inspector")
	defer s.Logout()
	n, err := s.GetNode(context.Background(), p)
	require.NoError(t, err)
	return n
}

func (e *testEnv) locked(t *testing.T, p string) bool {
	t.Helper()
	return e.node(t, p).HasValue("statusFlags", FlagLocked)
}

func (e *testEnv) hasMarker(t *testing.T, p string) bool {
	t.Helper()
	s := e.repo.Login("inspector")
	defer s.Logout()
	_, err := s.GetNode(context.Background(), p+"/"+MarkerName)
	if err == nil {
		return true
	}
	require.ErrorIs(t, err, content.ErrNotFound)
	return false
}

// setFlags overwrites the flags of p through a service session.
func (e *testEnv) setFlags(t *testing.T, p string, flags ...string) {
	t.Helper()
	ctx := context.Background()
	s := e.repo.ServiceLogin("seeder")
	defer s.Logout()
	n, err := s.GetNode(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.Checkout(ctx, n))
	require.NoError(t, s.SetProperty(ctx, n, content.PropStatusFlags, flags...))
	require.NoError(t, s.Save(ctx))
	_, err = s.Checkin(ctx, n)
	require.NoError(t, err)
}

// requireLockError asserts err is a LockError with the given reason.
func requireLockError(t *testing.T, err error, reason Reason) *LockError {
	t.Helper()
	require.Error(t, err)
	var lockErr *LockError
	require.ErrorAs(t, err, &lockErr)
	require.Equal(t, reason, lockErr.Reason, "unexpected reason: %v", err)
	return lockErr
}

var allSubjects = []string{"/trial/A", "/trial/A/B", "/trial/A/B/C", "/trial/A/D", "/trial/E"}

var allForms = []string{"/forms/fa", "/forms/fb", "/forms/fc", "/forms/fd", "/forms/fe"}

// hardFailure always refuses with a hard objection.
type hardFailure struct{}

func (hardFailure) Name() string { return "always-fail" }

func (hardFailure) CanLock(context.Context, *content.Session, *content.Node) Result {
	return Fail("Subject is under audit")
}
