package locking

import (
	"context"
	"time"

	"github.com/trialvault/trialvault/internal/content"
)

// Status is a snapshot of a node's lock state and of which transitions are
// currently permitted on it.
type Status struct {
	Path          string     `json:"path"`
	Type          string     `json:"type"`
	Locked        bool       `json:"locked"`
	Direct        bool       `json:"direct"`
	LockedBy      string     `json:"lockedBy,omitempty"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	CanLock       bool       `json:"canLock"`
	LockRefusal   string     `json:"lockRefusal,omitempty"`
	CanUnlock     bool       `json:"canUnlock"`
	UnlockRefusal string     `json:"unlockRefusal,omitempty"`
}

// Status reports the lock state of the node at p.
func (m *Manager) Status(ctx context.Context, p string) (*Status, error) {
	s, release := m.session(ctx)
	defer release()

	n, err := m.resolve(ctx, s, p)
	if err != nil {
		return nil, err
	}

	st := &Status{Path: n.Path, Type: n.Type, Locked: isLocked(n)}

	if n.Type == content.TypeSubject {
		marker, err := lockMarker(ctx, s, n)
		if err != nil {
			return nil, repositoryFailure(n.Path, "", "status", err)
		}
		if marker != nil {
			st.Direct = true
			st.LockedBy = marker.Value(content.PropAuthor)
			if at, err := time.Parse(time.RFC3339, marker.Value(content.PropCreated)); err == nil {
				st.LockedAt = &at
			}
		}
	}

	if denied := m.lockRefusal(ctx, s, n, false); denied == nil {
		st.CanLock = true
	} else if denied.IsConflict() {
		st.LockRefusal = denied.Message
	} else {
		return nil, denied
	}

	if denied := m.unlockRefusal(ctx, s, n); denied == nil {
		st.CanUnlock = true
	} else if denied.IsConflict() {
		st.UnlockRefusal = denied.Message
	} else {
		return nil, denied
	}
	return st, nil
}
