package locking

import (
	"context"
	"slices"

	"github.com/trialvault/trialvault/internal/content"
)

// LockedNodeRestriction refuses any write to a locked record: property
// writes, child creation and removal at or below a Subject or Form whose
// committed flags contain LOCKED. A reference pointing at a locked record is
// refused too, since the referencing node would escape the lock. It only
// inspects the state handed to it.
type LockedNodeRestriction struct{}

// Name implements content.Restriction.
func (LockedNodeRestriction) Name() string { return "locked-node" }

// Check implements content.Restriction.
func (r LockedNodeRestriction) Check(_ context.Context, req *content.WriteRequest) error {
	if req.Owner != nil && isLocked(req.Owner) {
		return content.Deny(r.Name(), req, "record is locked")
	}
	if req.Referenced != nil && isLocked(req.Referenced) {
		return content.Deny(r.Name(), req, "referenced record is locked")
	}
	return nil
}

// StatusFlagGuard refuses writes that add or remove LOCKED in a status flag
// set. Only the Manager, working through a service session, changes it.
type StatusFlagGuard struct{}

// Name implements content.Restriction.
func (StatusFlagGuard) Name() string { return "status-flag-guard" }

// Check implements content.Restriction.
func (g StatusFlagGuard) Check(_ context.Context, req *content.WriteRequest) error {
	if req.Op != content.OpSetProperty || req.Property != content.PropStatusFlags {
		return nil
	}
	before := req.Committed != nil && isLocked(req.Committed)
	after := slices.Contains(req.Values, FlagLocked)
	if before == after {
		return nil
	}
	return content.Deny(g.Name(), req, "LOCKED flag is managed by the lock service")
}

// InstallRestrictions registers the lock enforcement restrictions on repo.
func InstallRestrictions(repo *content.Repository) {
	repo.AddRestriction(LockedNodeRestriction{})
	repo.AddRestriction(StatusFlagGuard{})
}
