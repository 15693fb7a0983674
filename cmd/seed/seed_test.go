package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/locking"
)

const fixture = `nodes:
  - path: /subjects/s1
    type: Subject
  - path: /forms/f1
    type: Form
    properties:
      statusFlags: [INCOMPLETE]
    references:
      subject: /subjects/s1
`

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	return &conf.Settings{
		Database: conf.DatabaseSettings{
			Type: conf.DatabaseSQLite,
			Path: filepath.Join(t.TempDir(), "content.db"),
		},
	}
}

func TestRunSeedsOnce(t *testing.T) {
	t.Parallel()
	settings := testSettings(t)
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	n, err := Run(t.Context(), settings, path)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "two folders, one subject, one form")

	n, err = Run(t.Context(), settings, path)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Run(t.Context(), testSettings(t), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestRunInvalidFixture(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - path: /a\n    kind: Folder\n"), 0o600))

	_, err := Run(t.Context(), testSettings(t), path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
}

func TestRunRefusesWritesBelowLock(t *testing.T) {
	t.Parallel()
	settings := testSettings(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))
	_, err := Run(t.Context(), settings, path)
	require.NoError(t, err)

	repo, err := content.Open(content.Config{Type: settings.Database.Type, Path: settings.Database.Path}, nil)
	require.NoError(t, err)
	locking.InstallRestrictions(repo)
	require.NoError(t, locking.NewManager(repo).ForceLock(t.Context(), "/subjects/s1"))
	require.NoError(t, repo.Close())

	for name, extra := range map[string]string{
		"child":     "nodes:\n  - path: /subjects/s1/s2\n    type: Subject\n",
		"reference": "nodes:\n  - path: /forms/f2\n    type: Form\n    references:\n      subject: /subjects/s1\n",
	} {
		extraPath := filepath.Join(dir, name+".yaml")
		require.NoError(t, os.WriteFile(extraPath, []byte(extra), 0o600))

		n, err := Run(t.Context(), settings, extraPath)
		require.ErrorIs(t, err, content.ErrAccessDenied, name)
		assert.Zero(t, n, name)
	}
}
