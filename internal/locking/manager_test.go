package locking

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialvault/trialvault/internal/content"
)

func TestIsLockedFollowsTryLockAndUnlock(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	for _, p := range allSubjects {
		locked, err := env.manager.IsLocked(ctx, p)
		require.NoError(t, err)
		assert.False(t, locked, p)
	}

	for _, p := range []string{"/trial/A", "/trial/E", "/trial/A/B"} {
		t.Run(p, func(t *testing.T) {
			require.NoError(t, env.manager.TryLock(ctx, p))
			locked, err := env.manager.IsLocked(ctx, p)
			require.NoError(t, err)
			assert.True(t, locked)

			require.NoError(t, env.manager.Unlock(ctx, p))
			locked, err = env.manager.IsLocked(ctx, p)
			require.NoError(t, err)
			assert.False(t, locked)
		})
	}
}

func TestIsLockedUnknownNode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.manager.IsLocked(context.Background(), "/trial/missing")
	requireLockError(t, err, ReasonNotFound)
}

func TestLockCascadesToDescendantsAndForms(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.TryLock(ctx, "/trial/A"))

	for _, p := range []string{"/trial/A", "/trial/A/B", "/trial/A/B/C", "/trial/A/D",
		"/forms/fa", "/forms/fb", "/forms/fc", "/forms/fd"} {
		assert.True(t, env.locked(t, p), "%s should be locked", p)
	}
	assert.False(t, env.locked(t, "/trial/E"))
	assert.False(t, env.locked(t, "/forms/fe"))

	assert.True(t, env.hasMarker(t, "/trial/A"), "root carries the marker")
	for _, p := range []string{"/trial/A/B", "/trial/A/B/C", "/trial/A/D"} {
		assert.False(t, env.hasMarker(t, p), "cascade creates no marker on %s", p)
	}

	for _, p := range slices.Concat(allSubjects[:4], allForms[:4]) {
		n := env.node(t, p)
		assert.False(t, n.CheckedOut, "%s is checked back in", p)
		assert.Equal(t, 2, n.BaseVersion, "%s got a new version", p)
	}
	assert.Equal(t, 1, env.node(t, "/trial/E").BaseVersion)
}

func TestLockMarkerRecordsActor(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return at }))
	ctx := content.WithPrincipal(context.Background(), "dr.jones")

	require.NoError(t, env.manager.TryLock(ctx, "/trial/E"))

	marker := env.node(t, "/trial/E/"+MarkerName)
	assert.Equal(t, content.TypeLock, marker.Type)
	assert.Equal(t, "dr.jones", marker.Value(content.PropAuthor))
	assert.Equal(t, "2026-03-14T09:26:53Z", marker.Value(content.PropCreated))
}

func TestLockSkipsIndependentlyLockedDescendant(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.TryLock(ctx, "/trial/A/B"))
	markerBefore := env.node(t, "/trial/A/B/"+MarkerName)
	versionB := env.node(t, "/trial/A/B").BaseVersion
	versionC := env.node(t, "/trial/A/B/C").BaseVersion
	versionFC := env.node(t, "/forms/fc").BaseVersion

	require.NoError(t, env.manager.TryLock(ctx, "/trial/A"))

	markerAfter := env.node(t, "/trial/A/B/"+MarkerName)
	assert.Equal(t, markerBefore.ID, markerAfter.ID, "nested marker is kept")
	assert.Equal(t, markerBefore.Value(content.PropCreated), markerAfter.Value(content.PropCreated))

	assert.Equal(t, versionB, env.node(t, "/trial/A/B").BaseVersion, "B untouched")
	assert.Equal(t, versionC, env.node(t, "/trial/A/B/C").BaseVersion, "C untouched")
	assert.Equal(t, versionFC, env.node(t, "/forms/fc").BaseVersion, "fc untouched")
	assert.True(t, env.locked(t, "/trial/A/D"))
	assert.True(t, env.locked(t, "/forms/fd"))
}

func TestUnlockRefusedUnderLockedAncestor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.TryLock(ctx, "/trial/A"))

	err := env.manager.Unlock(ctx, "/trial/A/B")
	lockErr := requireLockError(t, err, ReasonAncestorLocked)
	assert.Equal(t, MsgAncestorLocked, lockErr.Error())

	ok, err := env.manager.CanUnlock(ctx, "/trial/A/B")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, env.locked(t, "/trial/A/B"))

	// A Subject locked in its own right under a locked ancestor stays put.
	require.NoError(t, env.manager.Unlock(ctx, "/trial/A"))
	require.NoError(t, env.manager.TryLock(ctx, "/trial/A/D"))
	require.NoError(t, env.manager.TryLock(ctx, "/trial/A"))
	err = env.manager.Unlock(ctx, "/trial/A/D")
	requireLockError(t, err, ReasonAncestorLocked)
	assert.True(t, env.hasMarker(t, "/trial/A/D"))
}

func TestFixtureCannotWriteBelowLock(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.TryLock(ctx, "/trial/A"))

	for name, fixture := range map[string]string{
		"child subject":      "nodes:\n  - path: /trial/A/X\n    type: Subject\n",
		"form referencing":   "nodes:\n  - path: /forms/fx\n    type: Form\n    references:\n      subject: /trial/A\n",
		"preset locked flag": "nodes:\n  - path: /trial/Z\n    type: Subject\n    properties:\n      statusFlags: [LOCKED]\n",
	} {
		t.Run(name, func(t *testing.T) {
			f, err := content.ParseFixture(strings.NewReader(fixture))
			require.NoError(t, err)
			_, err = env.repo.LoadFixture(ctx, f, "seeder")
			require.ErrorIs(t, err, content.ErrAccessDenied)
		})
	}

	s := env.repo.Login("inspector")
	defer s.Logout()
	for _, p := range []string{"/trial/A/X", "/forms/fx", "/trial/Z"} {
		_, err := s.GetNode(ctx, p)
		require.ErrorIs(t, err, content.ErrNotFound, "%s not created", p)
	}
	assert.False(t, env.node(t, "/trial/A").CheckedOut)
}

func TestDoubleLockFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.TryLock(ctx, "/trial/E"))

	err := env.manager.TryLock(ctx, "/trial/E")
	lockErr := requireLockError(t, err, ReasonAlreadyLocked)
	assert.Equal(t, "This node is already locked", lockErr.Error())

	err = env.manager.ForceLock(ctx, "/trial/E")
	requireLockError(t, err, ReasonAlreadyLocked)

	ok, err := env.manager.CanLock(ctx, "/trial/E")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnlockPreservesNestedLock(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.TryLock(ctx, "/trial/A/B"))
	require.NoError(t, env.manager.TryLock(ctx, "/trial/A"))
	require.NoError(t, env.manager.Unlock(ctx, "/trial/A"))

	for _, p := range []string{"/trial/A/B", "/trial/A/B/C", "/forms/fb", "/forms/fc"} {
		assert.True(t, env.locked(t, p), "%s stays locked", p)
	}
	for _, p := range []string{"/trial/A", "/trial/A/D", "/forms/fa", "/forms/fd"} {
		assert.False(t, env.locked(t, p), "%s is unlocked", p)
	}
	assert.True(t, env.hasMarker(t, "/trial/A/B"))
	assert.False(t, env.hasMarker(t, "/trial/A"))

	// The nested lock can now be released on its own.
	require.NoError(t, env.manager.Unlock(ctx, "/trial/A/B"))
	assert.False(t, env.locked(t, "/trial/A/B/C"))
	assert.False(t, env.locked(t, "/forms/fc"))
}

func TestUnlockRefusals(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.manager.Unlock(ctx, "/trial/E")
	requireLockError(t, err, ReasonNotLocked)

	require.NoError(t, env.manager.TryLock(ctx, "/trial/E"))
	err = env.manager.Unlock(ctx, "/forms/fe")
	requireLockError(t, err, ReasonNotSubject)

	err = env.manager.Unlock(ctx, "/trial/nowhere")
	requireLockError(t, err, ReasonNotFound)
}

func TestLockRequiresSubject(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.manager.TryLock(ctx, "/forms/fe")
	requireLockError(t, err, ReasonNotSubject)

	err = env.manager.TryLock(ctx, "/trial")
	requireLockError(t, err, ReasonNotSubject)

	ok, err := env.manager.CanLock(ctx, "/forms/fe")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.manager.CanLock(ctx, "/trial/missing")
	requireLockError(t, err, ReasonNotFound)
}

func TestIncompleteFormBlocksTryLockButNotForceLock(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFlags(t, "/forms/fc", "SIGNED", FlagIncomplete)

	ok, err := env.manager.CanLock(ctx, "/trial/A")
	require.NoError(t, err)
	assert.False(t, ok)

	err = env.manager.TryLock(ctx, "/trial/A")
	lockErr := requireLockError(t, err, ReasonPrecondition)
	var warning *LockWarning
	require.ErrorAs(t, err, &warning)
	assert.Equal(t, IncompleteFormsName, warning.Precondition)
	assert.Contains(t, lockErr.Error(), "/forms/fc")
	assert.False(t, env.locked(t, "/trial/A"), "refused lock changes nothing")

	// E has no incomplete forms in its tree.
	ok, err = env.manager.CanLock(ctx, "/trial/E")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, env.manager.ForceLock(ctx, "/trial/A"))
	assert.True(t, env.locked(t, "/trial/A"))
	assert.Equal(t, []string{"SIGNED", FlagIncomplete, FlagLocked}, env.node(t, "/forms/fc").Values(content.PropStatusFlags))
}

func TestForceLockStillFailsOnHardObjection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithPreconditions(IncompleteForms{}, hardFailure{}))
	ctx := context.Background()
	env.setFlags(t, "/forms/fe", FlagIncomplete)

	// The soft objection comes first and blocks TryLock.
	err := env.manager.TryLock(ctx, "/trial/E")
	lockErr := requireLockError(t, err, ReasonPrecondition)
	var warning *LockWarning
	assert.ErrorAs(t, lockErr, &warning)

	// ForceLock passes the soft objection and stops at the hard one.
	err = env.manager.ForceLock(ctx, "/trial/E")
	lockErr = requireLockError(t, err, ReasonPrecondition)
	assert.Equal(t, "Subject is under audit", lockErr.Error())
	assert.NotErrorAs(t, lockErr, &warning)
	assert.False(t, env.locked(t, "/trial/E"))
	assert.False(t, env.hasMarker(t, "/trial/E"))
}

func TestLockUnlockRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	type state struct {
		flags  []string
		marker bool
	}
	snapshot := func() map[string]state {
		out := make(map[string]state)
		for _, p := range slices.Concat(allSubjects, allForms) {
			n := env.node(t, p)
			_, has := n.Property(content.PropStatusFlags)
			st := state{flags: n.Values(content.PropStatusFlags)}
			if !has {
				st.flags = nil
			}
			if n.Type == content.TypeSubject {
				st.marker = env.hasMarker(t, p)
			}
			out[p] = st
		}
		return out
	}

	before := snapshot()
	require.NoError(t, env.manager.TryLock(ctx, "/trial/A"))
	require.NotEqual(t, before, snapshot())
	require.NoError(t, env.manager.Unlock(ctx, "/trial/A"))
	assert.Equal(t, before, snapshot())
}

func TestConcurrentLocksOnSameTree(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Go(func() {
			errs[i] = env.manager.TryLock(ctx, "/trial/A")
		})
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireLockError(t, err, ReasonAlreadyLocked)
	}
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, env.manager.trees.size())
}

func TestManagerReusesServiceSessionFromContext(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	svc := env.repo.ServiceLogin("batch-job")
	defer svc.Logout()
	ctx := content.WithSession(context.Background(), svc)

	require.NoError(t, env.manager.TryLock(ctx, "/trial/E"))
	marker, err := svc.GetNode(ctx, "/trial/E/"+MarkerName)
	require.NoError(t, err, "reused session stays open")
	assert.Equal(t, "batch-job", marker.Value(content.PropAuthor))
}

func TestManagerDoesNotWriteThroughUserSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	user := env.repo.Login("alice")
	defer user.Logout()
	ctx := content.WithSession(context.Background(), user)

	require.NoError(t, env.manager.TryLock(ctx, "/trial/E"))
	require.NoError(t, env.manager.Unlock(ctx, "/trial/E"), "unlock writes to locked nodes, which a user session may not")
	assert.False(t, user.HasPendingChanges())
}

func TestLookupPreconditions(t *testing.T) {
	t.Parallel()

	preconditions, err := Lookup([]string{IncompleteFormsName})
	require.NoError(t, err)
	require.Len(t, preconditions, 1)
	assert.Equal(t, IncompleteFormsName, preconditions[0].Name())
	assert.Contains(t, Registered(), IncompleteFormsName)

	_, err = Lookup([]string{"no-such-check"})
	require.Error(t, err)
}
