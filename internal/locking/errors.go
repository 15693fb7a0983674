package locking

import (
	"fmt"

	"github.com/trialvault/trialvault/internal/errors"
)

// Reason classifies why a lock operation was refused or failed.
type Reason string

const (
	ReasonAlreadyLocked  Reason = "already_locked"
	ReasonNotLocked      Reason = "not_locked"
	ReasonNotSubject     Reason = "not_subject"
	ReasonAncestorLocked Reason = "ancestor_locked"
	ReasonPrecondition   Reason = "precondition"
	ReasonNotFound       Reason = "not_found"
	ReasonRepository     Reason = "repository"
)

// Messages surfaced to clients. The HTTP endpoint returns them verbatim.
const (
	MsgAlreadyLocked    = "This node is already locked"
	MsgNotLocked        = "This node is not locked"
	MsgNotSubjectLock   = "Only subjects can be locked"
	MsgNotSubjectUnlock = "Only subjects can be unlocked"
	MsgAncestorLocked   = "A parent subject is locked"
	MsgNotFound         = "No node exists at this path"
	MsgRepository       = "Failed to update lock state"
)

// LockError is a hard failure of a lock operation. Business-rule refusals
// carry a Reason other than ReasonRepository and ReasonNotFound.
type LockError struct {
	Reason  Reason
	Path    string
	Message string
	Err     error
}

func (e *LockError) Error() string {
	if e.Err != nil && e.Reason == ReasonRepository {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// ErrorCategory maps the reason onto the error taxonomy used for telemetry.
func (e *LockError) ErrorCategory() errors.ErrorCategory {
	switch e.Reason {
	case ReasonRepository:
		return errors.CategoryDatabase
	case ReasonNotFound:
		return errors.CategoryNotFound
	default:
		return errors.CategoryLocking
	}
}

// IsConflict reports whether the error is a business-rule refusal rather
// than a missing node or a storage failure.
func (e *LockError) IsConflict() bool {
	return e.Reason != ReasonRepository && e.Reason != ReasonNotFound
}

// LockWarning is a soft precondition objection. ForceLock overrides it;
// TryLock reports it wrapped in a LockError.
type LockWarning struct {
	Precondition string
	Message      string
}

func (w *LockWarning) Error() string {
	return w.Message
}

func refusal(reason Reason, path, message string) *LockError {
	return &LockError{Reason: reason, Path: path, Message: message}
}

// repositoryFailure wraps a storage error with the generic client-facing
// message. The reported error names the lock action and the step that
// failed; action is empty outside a lock transition.
func repositoryFailure(path string, action Action, step string, err error) *LockError {
	return &LockError{
		Reason:  ReasonRepository,
		Path:    path,
		Message: MsgRepository,
		Err: errors.New(err).
			Component("locking").
			Category(errors.CategoryDatabase).
			NodeContext(path, "").
			LockContext(string(action), step).
			Build(),
	}
}
